// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoauth/internal/config"
)

const shutdownGracePeriod = 10 * time.Second

// ErrManagerClosed is returned for tabs requested after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

// Manager owns the browser process, or the connection to a remote one, and hands out tabs.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	mu     sync.Mutex
	tabs   map[*Tab]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewManager prepares an allocator. The browser itself starts with the first tab.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		logger: logger.Named("browser_manager"),
		tabs:   make(map[*Tab]struct{}),
	}

	if cfg.RemoteURL != "" {
		m.logger.Info("Attaching to remote browser.", zap.String("url", cfg.RemoteURL))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
		return m, nil
	}

	opts, err := buildAllocatorOptions(cfg)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Initializing browser allocator.", zap.Bool("headless", cfg.Headless))
	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, opts...)
	return m, nil
}

// allocFlag is one command line switch. Kept as data so it can be inspected.
type allocFlag struct {
	name  string
	value any
}

// allocatorFlags lists the switches layered over the chromedp defaults.
func allocatorFlags(cfg config.BrowserConfig, goos string) []allocFlag {
	flags := []allocFlag{
		// A false bool drops the switch the chromedp defaults set.
		{"enable-automation", false},
		{"headless", cfg.Headless},
		{"ignore-certificate-errors", cfg.IgnoreTLSErrors},
		// Hides navigator.webdriver from the identity provider's bot checks.
		{"disable-blink-features", "AutomationControlled"},
		{"disable-extensions", true},
		{"disable-gpu", cfg.Headless},
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags = append(flags, allocFlag{name, parts[1]})
		} else {
			flags = append(flags, allocFlag{name, true})
		}
	}

	// Container runtimes on Linux lack the namespaces the sandbox needs.
	if goos == "linux" {
		flags = append(flags,
			allocFlag{"no-sandbox", true},
			allocFlag{"disable-dev-shm-usage", true},
			allocFlag{"disable-setuid-sandbox", true},
		)
	}
	return flags
}

func buildAllocatorOptions(cfg config.BrowserConfig) ([]chromedp.ExecAllocatorOption, error) {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range allocatorFlags(cfg, goruntime.GOOS) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.UserDataDir != "" {
		dir, err := homedir.Expand(cfg.UserDataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand user data dir %q: %w", cfg.UserDataDir, err)
		}
		opts = append(opts, chromedp.UserDataDir(dir))
	}
	return opts, nil
}

// NewTab opens a tab, waits for it to attach and installs the page bridge.
func (m *Manager) NewTab(ctx context.Context) (*Tab, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	tab, err := m.openTab(ctx)
	if err != nil {
		m.wg.Done()
		return nil, err
	}

	m.mu.Lock()
	m.tabs[tab] = struct{}{}
	m.mu.Unlock()
	return tab, nil
}

func (m *Manager) openTab(ctx context.Context) (*Tab, error) {
	tabCtx, cancel := chromedp.NewContext(m.allocatorCtx)

	timeout := m.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("browser failed to start or respond: %w", err)
		}
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("browser did not start within %s", timeout)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		cancel()
		return nil, errors.New("browser tab has no target")
	}

	t := &Tab{
		ctx:     tabCtx,
		cancel:  cancel,
		manager: m,
		logger:  m.logger.Named("tab"),
		timeout: m.cfg.ActionTimeout,
		frames:  make(map[string]context.CancelFunc),
	}
	t.page = newPage(tabCtx, false, m.cfg.ActionTimeout, m.logger)
	t.page.listen(cdp.FrameID(c.Target.TargetID))
	if err := t.page.installBridge(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to instrument tab: %w", err)
	}

	m.logger.Info("Browser tab ready.", zap.String("target_id", string(c.Target.TargetID)))
	return t, nil
}

func (m *Manager) release(t *Tab) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tabs[t]; ok {
		delete(m.tabs, t)
		m.wg.Done()
	}
}

// Shutdown closes open tabs, waits for them within ctx, then ends the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Tab, 0, len(m.tabs))
	for t := range m.tabs {
		open = append(open, t)
	}
	m.mu.Unlock()

	m.logger.Info("Browser manager shutdown initiated.", zap.Int("open_tabs", len(open)))
	for _, t := range open {
		t.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(shutdownGracePeriod)
	defer grace.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	case <-grace.C:
		m.logger.Warn("Tabs did not close in time. Forcing browser termination.")
	}

	if m.allocatorCancel != nil {
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	m.logger.Info("Browser terminated.")
	return nil
}
