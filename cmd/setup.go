// File: cmd/setup.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xkilldash9x/autoauth/internal/config"
	"github.com/xkilldash9x/autoauth/internal/store"
)

// readPassword and isTerminal are swapped out in tests.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

func newSetupCmd() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Stores the identity and secret used to sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())
			prompt := cmd.ErrOrStderr()

			if identity == "" {
				fmt.Fprint(prompt, "CNetID: ")
				line, err := readLine(in)
				if err != nil {
					return fmt.Errorf("failed to read identity: %w", err)
				}
				identity = line
			}

			fmt.Fprint(prompt, "Password: ")
			secret, err := readSecret(cmd.InOrStdin(), in, prompt)
			if err != nil {
				return fmt.Errorf("failed to read secret: %w", err)
			}

			return withStore(cmd, func(ctx context.Context, _ *config.Config, kv store.KV) error {
				if err := store.SaveCredentials(ctx, kv, identity, secret); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Credentials saved.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "identity to store; prompted for when omitted")
	return cmd
}

// readSecret reads without echo from a terminal and falls back to a plain line
// when input is piped.
func readSecret(raw io.Reader, buffered *bufio.Reader, prompt io.Writer) (string, error) {
	if f, ok := raw.(*os.File); ok && isTerminal(int(f.Fd())) {
		b, err := readPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return readLine(buffered)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
