package internal

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/relay/internal/core"
	"github.com/dcrodman/relay/internal/core/crypto"
	"github.com/dcrodman/relay/internal/core/debug"
	"github.com/dcrodman/relay/internal/presence"
	"github.com/dcrodman/relay/internal/server"
)

// Controller is the main entrypoint for the relay. It's responsible for
// initializing any shared resources (the shared secret, client registry, and
// router) and launching the frontend that accepts connections.
type Controller struct {
	Config *core.Config
	// Logger is used by every component. If nil, one is built from Config.
	Logger *logrus.Logger

	Registry *server.Registry
	Router   *server.Router
	Presence *presence.Tracker

	wg       sync.WaitGroup
	secret   *crypto.SharedSecret
	frontend *server.Frontend
}

// Start sets up the shared state and begins accepting connections. It returns
// once the listener is open; cancel ctx to stop the server and Wait for it
// to finish.
func (c *Controller) Start(ctx context.Context) error {
	if c.Logger == nil {
		logger, err := core.NewLogger(c.Config)
		if err != nil {
			return fmt.Errorf("error initializing logger: %w", err)
		}
		c.Logger = logger
	}

	secret, err := crypto.NewSharedSecret([]byte(c.Config.SharedKey), []byte(c.Config.SharedIV))
	if err != nil {
		return fmt.Errorf("error loading shared secret: %w", err)
	}
	c.secret = secret

	c.Registry = server.NewRegistry(c.Config.OperatorName)
	c.Router = server.NewRouter(c.Registry, c.Logger, c.Config.Relay.IncludeSender)
	c.Router.MaxFrameSize = c.Config.MaxFrameSize
	c.Presence = presence.NewTracker(c.Config.Presence.TTL)

	c.frontend = &server.Frontend{
		Address:  c.Config.Address(),
		Config:   c.Config,
		Logger:   c.Logger,
		Secret:   c.secret,
		Registry: c.Registry,
		Router:   c.Router,
		Presence: c.Presence,
	}
	if err := c.frontend.Start(ctx, &c.wg); err != nil {
		c.secret.Destroy()
		return err
	}

	if port := c.Config.Debugging.PprofPort; port != 0 {
		debug.StartPprofServer(ctx, fmt.Sprintf("localhost:%d", port), c.Logger)
	}
	return nil
}

// Addr returns the address on which the relay is accepting connections.
func (c *Controller) Addr() net.Addr {
	return c.frontend.Addr()
}

// Operator returns the name under which server-originated messages are sent.
func (c *Controller) Operator() string {
	return c.Config.OperatorName
}

// Wait blocks until the frontend and all of its connections have exited,
// then releases the shared secret.
func (c *Controller) Wait() {
	c.wg.Wait()
	c.secret.Destroy()
}
