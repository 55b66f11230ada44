// Package cli is the interactive bmsctl shell run after a successful sign-in.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/peterh/liner"
	"gopkg.in/yaml.v3"

	"ultra-bms/client/internal/app"
	"ultra-bms/client/internal/monitor"
	"ultra-bms/client/internal/session/domain"
)

// ErrSessionEnded is returned by Exec when the session is gone, whether the user signed
// out or the session was ended for them.
var ErrSessionEnded = errors.New("session ended")

type command struct {
	usage string
	help  string
	// minArgs is the number of arguments required after the command name.
	minArgs int
	run     func(s *Shell, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"whoami":     {usage: "whoami", help: "show the signed-in user", run: (*Shell).whoami},
	"get":        {usage: "get <path>", help: "GET an API path and print the JSON", minArgs: 1, run: (*Shell).get},
	"sessions":   {usage: "sessions", help: "list signed-in devices", run: (*Shell).sessions},
	"revoke":     {usage: "revoke <id>", help: "sign out one device", minArgs: 1, run: (*Shell).revoke},
	"extend":     {usage: "extend", help: "renew the session now", run: (*Shell).extend},
	"can":        {usage: "can <permission>", help: "check a permission", minArgs: 1, run: (*Shell).can},
	"logout":     {usage: "logout", help: "sign out and quit", run: (*Shell).logout},
	"logout-all": {usage: "logout-all", help: "sign out every device and quit", run: (*Shell).logoutAll},
}

// Shell executes commands against a signed-in App.
type Shell struct {
	app *app.App
	out io.Writer
	now func() time.Time
}

// NewShell returns a shell writing to out.
func NewShell(a *app.App, out io.Writer) *Shell {
	return &Shell{app: a, out: out, now: time.Now}
}

// Warn prints an expiry warning. Register it with Monitor.OnWarning.
func (s *Shell) Warn(w monitor.Warning) {
	fmt.Fprintf(s.out, "\n! session expires in %s; type 'extend' to stay signed in\n",
		w.Remaining.Round(time.Second))
}

// Ended tells the user the session was ended for them. Register it with
// Protocol.OnForcedLogout.
func (s *Shell) Ended(_ context.Context, reason domain.LogoutReason) {
	fmt.Fprintf(s.out, "\n! session ended (%s); please sign in again\n", reason)
}

// Exec runs one command line. quit is true when the shell should exit; err describes a
// failed command and does not by itself end the shell.
func (s *Shell) Exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := fields[0], fields[1:]
	switch name {
	case "quit", "exit":
		return true, nil
	case "help", "?":
		s.help()
		return false, nil
	}
	cmd, ok := commands[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q (try 'help')", name)
	}
	if len(args) < cmd.minArgs {
		return false, fmt.Errorf("usage: %s", cmd.usage)
	}
	if !s.app.Auth.IsAuthenticated() {
		return true, ErrSessionEnded
	}
	err = cmd.run(s, ctx, args)
	if errors.Is(err, ErrSessionEnded) {
		return true, nil
	}
	if !s.app.Auth.IsAuthenticated() {
		return true, ErrSessionEnded
	}
	return false, err
}

// Run reads commands from line until quit, EOF or Ctrl+C.
func (s *Shell) Run(ctx context.Context, line *liner.State) error {
	user := s.app.Auth.User()
	fmt.Fprintf(s.out, "signed in as %s (%s). Type 'help' for commands.\n", user.Email, user.Role)
	for {
		if ctx.Err() != nil {
			return nil
		}
		input, err := line.Prompt("bms> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}
		quit, err := s.Exec(ctx, input)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (s *Shell) help() {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(s.out, "  %-18s %s\n", commands[n].usage, commands[n].help)
	}
	fmt.Fprintf(s.out, "  %-18s %s\n", "quit", "leave the shell, keeping the session")
}

func (s *Shell) whoami(_ context.Context, _ []string) error {
	snap := s.app.Store.Get()
	if !snap.Authenticated() || snap.User == nil {
		return ErrSessionEnded
	}
	u := snap.User
	fmt.Fprintf(s.out, "id:          %s\nname:        %s\nemail:       %s\nrole:        %s\npermissions: %s\nexpires in:  %s\n",
		u.ID, u.DisplayName, u.Email, u.Role, strings.Join(u.Permissions, ", "),
		snap.ExpiresAt.Sub(s.now()).Round(time.Second))
	return nil
}

func (s *Shell) get(ctx context.Context, args []string) error {
	path := args[0]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var raw json.RawMessage
	if err := s.app.API.Get(ctx, path, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		fmt.Fprintln(s.out, "(empty)")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Fprintln(s.out, buf.String())
	return nil
}

func (s *Shell) sessions(ctx context.Context, _ []string) error {
	list, err := s.app.Auth.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(s.out, "No active sessions found.")
		return nil
	}
	out, err := yaml.Marshal(list)
	if err != nil {
		return err
	}
	fmt.Fprint(s.out, string(out))
	return nil
}

func (s *Shell) revoke(ctx context.Context, args []string) error {
	if err := s.app.Auth.RevokeSession(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "session %s revoked\n", args[0])
	return nil
}

func (s *Shell) extend(ctx context.Context, _ []string) error {
	if err := s.app.Monitor.Extend(ctx); err != nil {
		fmt.Fprintln(s.out, "could not renew the session; please sign in again")
		return ErrSessionEnded
	}
	fmt.Fprintf(s.out, "session renewed until %s\n", s.app.Store.Get().ExpiresAt.Local().Format(time.Kitchen))
	return nil
}

func (s *Shell) can(ctx context.Context, args []string) error {
	answer := "no"
	if s.app.Auth.HasPermission(ctx, args[0]) {
		answer = "yes"
	}
	fmt.Fprintln(s.out, answer)
	return nil
}

func (s *Shell) logout(ctx context.Context, _ []string) error {
	if err := s.app.Monitor.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "signed out")
	return ErrSessionEnded
}

func (s *Shell) logoutAll(ctx context.Context, _ []string) error {
	if err := s.app.Auth.LogoutAll(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "signed out of every device")
	return ErrSessionEnded
}
