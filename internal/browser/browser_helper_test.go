// internal/browser/browser_helper_test.go
package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/autoauth/internal/config"
)

var (
	// browserSemaphore caps concurrent browser processes across the package's tests.
	browserSemaphore     *semaphore.Weighted
	browserSemaphoreOnce sync.Once
)

const (
	maxTestBrowsers         = 2
	browserTestTimeout      = 60 * time.Second
	semaphoreAcquireTimeout = 10 * time.Second
)

func getBrowserSemaphore() *semaphore.Weighted {
	browserSemaphoreOnce.Do(func() {
		browserSemaphore = semaphore.NewWeighted(maxTestBrowsers)
	})
	return browserSemaphore
}

// findChrome reports whether a browser binary is available for integration tests.
func findChrome() bool {
	if os.Getenv("CHROME_PATH") != "" {
		return true
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

type browserFixture struct {
	ctx     context.Context
	logger  *zap.Logger
	manager *Manager
	tab     *Tab
}

// newBrowserFixture launches a headless browser with one tab. The test is skipped
// in short mode or when no browser is installed.
func newBrowserFixture(t *testing.T) *browserFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("browser integration test skipped in short mode")
	}
	if !findChrome() {
		t.Skip("no Chrome or Chromium binary found")
	}

	ctx, cancel := context.WithTimeout(context.Background(), browserTestTimeout)
	t.Cleanup(cancel)

	sem := getBrowserSemaphore()
	acquireCtx, acquireCancel := context.WithTimeout(ctx, semaphoreAcquireTimeout)
	err := sem.Acquire(acquireCtx, 1)
	acquireCancel()
	require.NoError(t, err, "failed to acquire browser semaphore")
	t.Cleanup(func() { sem.Release(1) })

	logger := zaptest.NewLogger(t).With(zap.String("test", t.Name()))
	cfg := config.BrowserConfig{
		Headless:      true,
		LaunchTimeout: 30 * time.Second,
		ActionTimeout: 10 * time.Second,
	}
	m, err := NewManager(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = m.Shutdown(shutdownCtx)
	})

	tab, err := m.NewTab(ctx)
	require.NoError(t, err)
	return &browserFixture{ctx: ctx, logger: logger, manager: m, tab: tab}
}

func createStaticTestServer(t *testing.T, html string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(html))
	}))
	t.Cleanup(srv.Close)
	return srv
}
