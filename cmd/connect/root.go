package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/den/gmail-workflow-connect/internal/app"
	"github.com/den/gmail-workflow-connect/internal/config"
	"github.com/den/gmail-workflow-connect/internal/connect"
	"github.com/den/gmail-workflow-connect/internal/logger"
	"github.com/den/gmail-workflow-connect/internal/oauth"
	"github.com/den/gmail-workflow-connect/internal/session"
	"github.com/den/gmail-workflow-connect/internal/tracker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "connect",
		Short:         "Connect a Gmail account to the automation workflow from a terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newURLCmd(), newRunCmd(), newStatusCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(logger.Config{Env: cfg.LogEnv, Level: cfg.LogLevel, ServiceName: "connect-cli"})
	return cfg, nil
}

func newURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url",
		Short: "Print the Google consent URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			oc := oauth.GetOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
			fmt.Fprintln(cmd.OutOrStdout(), oauth.GetAuthURL(oc, uuid.NewString()))
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		code string
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger the workflow with an authorization code and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if code == "" {
				fmt.Fprintf(out, "1. Visit this URL in your browser:\n\n%s\n\n", oauth.GetAuthURL(a.OAuthConfig, uuid.NewString()))
				fmt.Fprint(out, "2. Paste the authorization code: ")
				if code, err = readCode(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			return runConnect(ctx, out, a.Connector, a.Tracker, code, cfg.GoogleRedirectURL, wait)
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "authorization code (prompted for when empty)")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Minute, "how long to wait for the workflow to complete")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <email>",
		Short: "Show the newest workflow execution for an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.Connector.Resume(cmd.Context(), session.NewBrowserID(), args[0])
			if err != nil {
				return err
			}
			if !sess.Watching() {
				fmt.Fprintf(cmd.OutOrStdout(), "no ongoing execution for %s\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "execution %d: %s\n", sess.ExecutionID, sess.Status)
			return nil
		},
	}
}

func readCode(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read authorization code: %w", err)
	}
	code := strings.TrimSpace(line)
	if code == "" {
		return "", connect.ErrNoCode
	}
	return code, nil
}

type connector interface {
	Connect(ctx context.Context, browserID, code, redirectURI string) (*connect.Result, error)
}

type listener interface {
	Listen(browserID string) (<-chan tracker.Event, func())
}

// runConnect runs one cycle and reports watch events until the execution
// completes, the watch is reset, or wait elapses.
func runConnect(ctx context.Context, out io.Writer, c connector, l listener, code, redirectURI string, wait time.Duration) error {
	browserID := session.NewBrowserID()

	// Listen first so no event between Connect and the loop is missed.
	events, cancel := l.Listen(browserID)
	defer cancel()

	res, err := c.Connect(ctx, browserID, code, redirectURI)
	if err != nil {
		kind, _ := connect.Classify(err)
		return fmt.Errorf("connect failed (%s): %w", kind, err)
	}

	who := res.UserEmail
	if who == "" {
		who = "unknown account"
	}
	fmt.Fprintf(out, "✓ Connected %s, watching execution %d (%s)\n", who, res.ExecutionID, res.Status)
	if res.Status.Terminal() {
		fmt.Fprintln(out, "✓ Setup complete")
		return nil
	}

	timeout := time.NewTimer(wait)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("execution %d still %s after %v", res.ExecutionID, res.Status, wait)
		case ev := <-events:
			switch ev.Type {
			case tracker.EventStatus:
				fmt.Fprintf(out, "  status: %s\n", ev.Status)
			case tracker.EventCompleted:
				fmt.Fprintln(out, "✓ Setup complete")
				return nil
			case tracker.EventReset:
				return fmt.Errorf("execution %d belongs to another account", ev.ExecutionID)
			case tracker.EventError:
				return fmt.Errorf("lost track of execution %d: %s", ev.ExecutionID, ev.Message)
			}
		}
	}
}
