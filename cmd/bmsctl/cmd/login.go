package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"ultra-bms/client/internal/app"
	"ultra-bms/client/internal/cli"
	"ultra-bms/client/internal/telemetry"
)

var (
	loginEmail string
	rememberMe bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and open an interactive shell on the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*telemetry.ShutdownDrainDuration)
			defer cancel()
			if err := a.Close(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("bmsctl: shutdown")
			}
		}()

		line := liner.NewLiner()
		defer line.Close()
		line.SetCtrlCAborts(true)

		email := strings.TrimSpace(loginEmail)
		if email == "" {
			if email, err = line.Prompt("Email: "); err != nil {
				return promptErr(err)
			}
		}
		fmt.Fprint(cmd.OutOrStdout(), "Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}

		if _, err := a.Auth.Login(ctx, email, string(password), rememberMe); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		shell := cli.NewShell(a, cmd.OutOrStdout())
		a.Monitor.OnWarning(shell.Warn)
		a.Refresh.OnForcedLogout(shell.Ended)
		a.Monitor.Start(ctx)
		return shell.Run(ctx, line)
	},
}

func promptErr(err error) error {
	if errors.Is(err, liner.ErrPromptAborted) {
		return errors.New("login cancelled")
	}
	return err
}

func init() {
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "account email (prompted when empty)")
	loginCmd.Flags().BoolVar(&rememberMe, "remember-me", false, "ask for a long-lived refresh ticket")
}
