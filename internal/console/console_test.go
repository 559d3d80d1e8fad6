package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/relay/internal/server"
)

type routedMessage struct {
	Message server.Message
	Policy  server.Policy
}

type fakeRouter struct {
	routed []routedMessage
	known  map[string]bool
}

func (r *fakeRouter) Route(msg server.Message, policy server.Policy) error {
	if len(msg.Payload) > 32 {
		return server.ErrMessageTooLarge
	}
	if !policy.IsBroadcast() && !r.known[policy.Recipient] {
		return server.ErrUnknownRecipient
	}
	r.routed = append(r.routed, routedMessage{Message: msg, Policy: policy})
	return nil
}

type fakeDirectory []string

func (d fakeDirectory) Usernames() []string { return d }

type fakePresence map[string]time.Time

func (p fakePresence) LastSeen(username string) (time.Time, bool) {
	t, ok := p[username]
	return t, ok
}

func newTestConsole() (*Console, *fakeRouter, *bytes.Buffer) {
	router := &fakeRouter{known: map[string]bool{"alice": true}}
	out := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return &Console{
		Operator:  "Server",
		Router:    router,
		Directory: fakeDirectory{"alice", "bob"},
		Presence:  fakePresence{"dave": time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		Logger:    logger,
		Out:       out,
	}, router, out
}

func TestConsole_Run(t *testing.T) {
	c, router, _ := newTestConsole()

	input := strings.NewReader("hello everyone\n\n   \n/msg alice just for you\n  padded  \n")
	if err := c.Run(context.Background(), input); err != nil {
		t.Fatalf("Run() returned an unexpected error: %v", err)
	}

	want := []routedMessage{
		{Message: server.Message{Sender: "Server", Payload: []byte("hello everyone")}, Policy: server.Broadcast()},
		{Message: server.Message{Sender: "Server", Payload: []byte("just for you")}, Policy: server.Unicast("alice")},
		{Message: server.Message{Sender: "Server", Payload: []byte("padded")}, Policy: server.Broadcast()},
	}
	if diff := deep.Equal(want, router.routed); diff != nil {
		t.Errorf("Run() routed the wrong messages: %v", diff)
	}
}

func TestConsole_Quit(t *testing.T) {
	c, router, _ := newTestConsole()

	err := c.Run(context.Background(), strings.NewReader("before\n:q\nafter\n"))
	if !errors.Is(err, ErrQuit) {
		t.Fatalf("Run() error = %v, want ErrQuit", err)
	}
	if len(router.routed) != 1 {
		t.Errorf("expected only the line before :q to be routed, got %d", len(router.routed))
	}
}

func TestConsole_Cancelled(t *testing.T) {
	c, router, _ := newTestConsole()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Run(ctx, strings.NewReader("ignored\n")); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(router.routed) != 0 {
		t.Errorf("expected nothing to be routed after cancellation")
	}
}

func TestConsole_Commands(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{name: "who", line: "/who", want: "2 connected: alice, bob\n"},
		{name: "msg to an absent user", line: "/msg carol hi", want: "carol is not connected\n"},
		{
			name: "msg to a departed user",
			line: "/msg dave hi",
			want: "dave is not connected\ndave was last seen at 2024-03-01 12:00:00\n",
		},
		{name: "oversized broadcast", line: strings.Repeat("x", 33), want: "message is too long to send\n"},
		{name: "msg without text", line: "/msg alice", want: "usage: /msg <user> <text>\n"},
		{name: "seen a connected user", line: "/seen bob", want: "bob is connected\n"},
		{name: "seen a departed user", line: "/seen dave", want: "dave was last seen at 2024-03-01 12:00:00\n"},
		{name: "seen an unknown user", line: "/seen erin", want: "erin has not been seen\n"},
		{name: "seen without a name", line: "/seen", want: "usage: /seen <user>\n"},
		{name: "unknown command", line: "/kick bob", want: "unknown command /kick (commands: /msg, /who, /seen, :q)\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, out := newTestConsole()
			if err := c.Execute(tt.line); err != nil {
				t.Fatalf("Execute() returned an unexpected error: %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("Execute(%q) output = %q, want %q", tt.line, out.String(), tt.want)
			}
		})
	}
}
