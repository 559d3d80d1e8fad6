package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/relay/internal/core/client"
	relaydebug "github.com/dcrodman/relay/internal/core/debug"
	"github.com/dcrodman/relay/internal/handshake"
)

// rejectionNotice is sent in the clear to peers that fail to authenticate.
var rejectionNotice = []byte("Invalid client info\n")

type connectionState int

const (
	stateConnecting connectionState = iota
	stateAuthenticated
	stateServing
	stateClosed
)

func (s connectionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateServing:
		return "serving"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("connectionState(%d)", int(s))
	}
}

// connection drives a single client through
// connecting -> authenticated -> serving -> closed.
type connection struct {
	f      *Frontend
	client *client.Client
	state  connectionState
	log    *logrus.Entry
}

func newConnection(f *Frontend, conn net.Conn) *connection {
	c := client.NewClient(conn, f.Config.MaxFrameSize, f.Config.WriteTimeout)
	return &connection{
		f:      f,
		client: c,
		state:  stateConnecting,
		log:    f.Logger.WithFields(logrus.Fields(c.DebugTags)),
	}
}

func (c *connection) run(ctx context.Context) {
	// Closing the connection is what unblocks a pending read on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = c.client.Close() })
	defer stop()
	defer c.closeConnectionAndRecover()

	if err := c.authenticate(); err != nil {
		c.reject(err)
		return
	}
	c.serve(ctx)
}

// authenticate reads and decodes the handshake, then registers the client.
func (c *connection) authenticate() error {
	if timeout := c.f.Config.HandshakeTimeout; timeout > 0 {
		if err := c.client.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}

	shared, err := c.f.Secret.Session()
	if err != nil {
		return err
	}

	result, err := handshake.ReadAndDecode(c.client, c.f.Config.MaxHandshakeSize, shared)
	if err != nil {
		return err
	}
	if err := c.client.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	c.client.Authenticate(result.Username, result.Session)
	c.state = stateAuthenticated
	c.log = c.f.Logger.WithFields(logrus.Fields(c.client.DebugTags))

	if err := c.f.Registry.Insert(c.client); err != nil {
		return err
	}
	c.state = stateServing

	c.log.Info("client authenticated")
	c.f.Presence.Forget(result.Username)
	c.announce("%s has joined", result.Username)
	return nil
}

// reject tells the peer its handshake was refused. Write failures are ignored
// since the connection is about to be closed regardless.
func (c *connection) reject(err error) {
	if errors.Is(err, handshake.ErrConnectionClosed) {
		c.log.Infof("connection closed during handshake: %v", err)
		return
	}

	c.log.Warnf("rejected client in state %s: %v", c.state, err)
	if sendErr := c.client.SendRaw(rejectionNotice); sendErr != nil {
		c.log.Debugf("failed to send rejection notice: %v", sendErr)
	}
}

// serve starts a blocking loop dedicated to reading messages sent from the
// client and only returns once the connection has closed.
func (c *connection) serve(ctx context.Context) {
	for {
		payload, err := c.client.Receive()
		if errors.Is(err, io.EOF) {
			return
		} else if err != nil {
			if ctx.Err() == nil {
				c.log.Warnf("error in client communication: %v", err)
			}
			return
		}

		if c.f.Config.Debugging.FrameLoggingEnabled {
			relaydebug.LogFrame(c.log, relaydebug.ClientToServer, payload)
		}

		select {
		case <-ctx.Done():
			// For now just allow the deferred function to close the connection.
			return
		default:
		}

		msg := Message{Sender: c.client.Username(), Payload: payload}
		if err := c.f.Router.Route(msg, Broadcast()); err != nil {
			c.log.Warnf("failed to route message: %v", err)
		}
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics, disconnects the
// client, and removes them from the registry regardless of the state of the connection.
func (c *connection) closeConnectionAndRecover() {
	if err := recover(); err != nil {
		c.log.Errorf("error in client communication: error=%s, trace: %s", err, debug.Stack())
	}

	if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Warnf("failed to close client connection: %s", err)
	}

	wasServing := c.state == stateServing
	c.state = stateClosed

	if wasServing && c.f.Registry.Remove(c.client.ID()) {
		c.f.Presence.Record(c.client.Username())
		c.announce("%s has left", c.client.Username())
	}

	c.log.Info("disconnected client")
}

func (c *connection) announce(format string, args ...interface{}) {
	if !c.f.Config.Relay.AnnouncePresence {
		return
	}
	msg := Message{Sender: c.f.Config.OperatorName, Payload: []byte(fmt.Sprintf(format, args...))}
	if err := c.f.Router.Route(msg, Broadcast()); err != nil {
		c.log.Debugf("failed to announce presence change: %v", err)
	}
}
