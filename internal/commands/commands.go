package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"besedka/internal/models"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
)

// App is what the command line drives.
type App interface {
	Login(ctx context.Context, user, pass string) error
	Register(ctx context.Context, user, pass string) error
	Logout(ctx context.Context) error
	OpenConversation(ctx context.Context, chatType models.ChatType, name string) ([]models.Message, error)
	SendMessage(ctx context.Context, chatType models.ChatType, to, text string) (models.Message, error)
	CreateRoom(ctx context.Context, name string) error
	JoinRoom(ctx context.Context, name string) error
	LeaveRoom(ctx context.Context, name string) error
	RefreshRoster(ctx context.Context) error
	CheckUser(ctx context.Context, name string) (bool, error)
	Users() []models.User
}

type command struct {
	min   int
	rest  bool
	run   func(ctx context.Context, app App, out io.Writer, args []string) error
	usage string
}

var table = map[string]command{
	"/login": {min: 2, usage: "/login <user> <pass>", run: func(ctx context.Context, app App, out io.Writer, a []string) error {
		if err := app.Login(ctx, a[0], a[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "logged in as %s\n", a[0])
		return nil
	}},
	"/register": {min: 2, usage: "/register <user> <pass>", run: func(ctx context.Context, app App, out io.Writer, a []string) error {
		if err := app.Register(ctx, a[0], a[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "registered %s\n", a[0])
		return nil
	}},
	"/logout": {usage: "/logout", run: func(ctx context.Context, app App, out io.Writer, _ []string) error {
		if err := app.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "logged out")
		return nil
	}},
	"/open": {min: 2, usage: "/open room|people <name>", run: func(ctx context.Context, app App, out io.Writer, a []string) error {
		chatType, err := parseChatType(a[0])
		if err != nil {
			return err
		}
		thread, err := app.OpenConversation(ctx, chatType, a[1])
		if err != nil {
			return err
		}
		for _, m := range thread {
			PrintMessage(out, m)
		}
		return nil
	}},
	"/msg": {min: 3, rest: true, usage: "/msg room|people <name> <text>", run: func(ctx context.Context, app App, out io.Writer, a []string) error {
		chatType, err := parseChatType(a[0])
		if err != nil {
			return err
		}
		_, err = app.SendMessage(ctx, chatType, a[1], a[2])
		return err
	}},
	"/create": {min: 1, usage: "/create <room>", run: func(ctx context.Context, app App, out io.Writer, a []string) error {
		if err := app.CreateRoom(ctx, a[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "created room %s\n", a[0])
		return nil
	}},
	"/join": {min: 1, usage: "/join <room>", run: func(ctx context.Context, app App, out io.Writer, a []string) error {
		if err := app.JoinRoom(ctx, a[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "joined room %s\n", a[0])
		return nil
	}},
	"/leave": {min: 1, usage: "/leave <room>", run: func(ctx context.Context, app App, out io.Writer, a []string) error {
		if err := app.LeaveRoom(ctx, a[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "left room %s\n", a[0])
		return nil
	}},
	"/users": {usage: "/users", run: func(ctx context.Context, app App, out io.Writer, _ []string) error {
		if err := app.RefreshRoster(ctx); err != nil {
			return err
		}
		for _, u := range app.Users() {
			kind := "people"
			if u.Type == models.UserTypeRoom {
				kind = "room"
			}
			status := ""
			if u.Online {
				status = " (online)"
			}
			fmt.Fprintf(out, "%-6s %s%s\n", kind, u.Name, status)
		}
		return nil
	}},
	"/check": {min: 1, usage: "/check <user>", run: func(ctx context.Context, app App, out io.Writer, a []string) error {
		exists, err := app.CheckUser(ctx, a[0])
		if err != nil {
			return err
		}
		if exists {
			fmt.Fprintf(out, "%s exists\n", a[0])
		} else {
			fmt.Fprintf(out, "%s does not exist\n", a[0])
		}
		return nil
	}},
}

// Execute runs one input line such as "/msg people bob hello there".
// Blank lines are ignored.
func Execute(ctx context.Context, app App, out io.Writer, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	name, rest, _ := strings.Cut(line, " ")
	if name == "/help" {
		Help(out)
		return nil
	}
	cmd, ok := table[name]
	if !ok {
		return fmt.Errorf("%w %q, try /help", ErrUnknownCommand, name)
	}

	args := split(rest, cmd.min, cmd.rest)
	if len(args) < cmd.min {
		return fmt.Errorf("%w: %s", ErrUsage, cmd.usage)
	}
	return cmd.run(ctx, app, out, args)
}

// Help lists every command.
func Help(out io.Writer) {
	for _, name := range []string{"/login", "/register", "/logout", "/users", "/check", "/open", "/msg", "/create", "/join", "/leave"} {
		fmt.Fprintln(out, table[name].usage)
	}
}

// split breaks s into fields. With rest set the last of n fields keeps the
// remainder of the line verbatim.
func split(s string, n int, rest bool) []string {
	if !rest {
		return strings.Fields(s)
	}
	var out []string
	s = strings.TrimSpace(s)
	for len(out) < n-1 && s != "" {
		field, tail, _ := strings.Cut(s, " ")
		out = append(out, field)
		s = strings.TrimSpace(tail)
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func parseChatType(s string) (models.ChatType, error) {
	switch models.ChatType(s) {
	case models.ChatTypeRoom:
		return models.ChatTypeRoom, nil
	case models.ChatTypePeople:
		return models.ChatTypePeople, nil
	}
	return "", fmt.Errorf("%w: chat type must be room or people, got %q", ErrUsage, s)
}

// PrintMessage writes one message in the line format used by the CLI.
func PrintMessage(out io.Writer, m models.Message) {
	target := m.Receiver
	if m.Type == models.ChatTypeRoom {
		target = "#" + target
	}
	status := ""
	if m.Status != models.MessageStatusSent {
		status = " [" + string(m.Status) + "]"
	}
	fmt.Fprintf(out, "%s %s -> %s: %s%s\n", m.Timestamp.Format("15:04:05"), m.Sender, target, m.Content, status)
}
