// Package console implements the operator's stdin interface to a running
// relay. Plain lines are broadcast to every client under the operator's name;
// lines starting with "/" are commands.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/relay/internal/server"
)

// ErrQuit is returned by Execute when the operator asks to stop the server.
var ErrQuit = errors.New("operator requested shutdown")

const quitCommand = ":q"

type Router interface {
	Route(msg server.Message, policy server.Policy) error
}

type Directory interface {
	Usernames() []string
}

type Presence interface {
	LastSeen(username string) (time.Time, bool)
}

// Console turns operator input into routed messages.
type Console struct {
	Operator  string
	Router    Router
	Directory Directory
	Presence  Presence
	Logger    *logrus.Logger
	// Out receives command output.
	Out io.Writer
}

// Run executes each line read from in until in is exhausted, ctx is
// cancelled, or the operator quits (in which case ErrQuit is returned).
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.Execute(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Execute runs a single line of operator input. Routing problems are reported
// to Out rather than returned.
func (c *Console) Execute(line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == quitCommand:
		return ErrQuit
	case strings.HasPrefix(line, "/"):
		c.command(line)
		return nil
	default:
		c.route(line, server.Broadcast())
		return nil
	}
}

func (c *Console) command(line string) {
	name, args, _ := strings.Cut(line[1:], " ")
	args = strings.TrimSpace(args)

	switch name {
	case "msg":
		recipient, text, ok := strings.Cut(args, " ")
		if !ok || strings.TrimSpace(text) == "" {
			c.printf("usage: /msg <user> <text>")
			return
		}
		c.route(strings.TrimSpace(text), server.Unicast(recipient))
	case "who":
		names := c.Directory.Usernames()
		if len(names) == 0 {
			c.printf("no clients connected")
			return
		}
		c.printf("%d connected: %s", len(names), strings.Join(names, ", "))
	case "seen":
		if args == "" {
			c.printf("usage: /seen <user>")
			return
		}
		c.seen(args)
	default:
		c.printf("unknown command /%s (commands: /msg, /who, /seen, %s)", name, quitCommand)
	}
}

func (c *Console) route(text string, policy server.Policy) {
	err := c.Router.Route(server.Message{Sender: c.Operator, Payload: []byte(text)}, policy)
	switch {
	case err == nil:
		c.Logger.Infof("%s: %s", c.Operator, text)
	case errors.Is(err, server.ErrUnknownRecipient):
		c.printf("%s is not connected", policy.Recipient)
		if t, ok := c.Presence.LastSeen(policy.Recipient); ok {
			c.printf("%s was last seen at %s", policy.Recipient, t.Format("2006-01-02 15:04:05"))
		}
	case errors.Is(err, server.ErrMessageTooLarge):
		c.printf("message is too long to send")
	default:
		c.Logger.Warnf("failed to %s operator message: %v", policy, err)
	}
}

func (c *Console) seen(username string) {
	for _, name := range c.Directory.Usernames() {
		if name == username {
			c.printf("%s is connected", username)
			return
		}
	}
	if t, ok := c.Presence.LastSeen(username); ok {
		c.printf("%s was last seen at %s", username, t.Format("2006-01-02 15:04:05"))
		return
	}
	c.printf("%s has not been seen", username)
}

func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.Out, format+"\n", args...)
}
