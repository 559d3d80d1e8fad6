package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/relay/internal/core"
	"github.com/dcrodman/relay/internal/core/crypto"
	"github.com/dcrodman/relay/internal/presence"
)

// Frontend implements the concurrent client connection logic.
//
// Every accepted connection gets its own goroutine which authenticates the
// client, registers it, and feeds its messages to the Router until the
// connection closes.
type Frontend struct {
	Address  string
	Config   *core.Config
	Logger   *logrus.Logger
	Secret   *crypto.SharedSecret
	Registry *Registry
	Router   *Router
	Presence *presence.Tracker

	socket *net.TCPListener
}

// Start opens a TCP socket on the Frontend's Address. A blocking loop for
// accepting client connections is spun off in its own goroutine and added to
// the WaitGroup. Context cancellations will stop the server.
func (f *Frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	socket, err := f.createSocket()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %w", f.Address, err)
	}
	f.socket = socket

	wg.Add(1)
	go f.startBlockingLoop(ctx, wg)

	return nil
}

// Addr returns the address the Frontend is listening on, which differs from
// Address when the configured port is 0.
func (f *Frontend) Addr() net.Addr {
	return f.socket.Addr()
}

// createSocket opens a TCP socket to listen for client connections on the Address
// provided to the Frontend.
func (f *Frontend) createSocket() (*net.TCPListener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address %w", err)
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %w", err)
	}

	return socket, nil
}

func (f *Frontend) isServerFull() bool {
	return f.Registry.Len() >= f.Config.MaxConnections
}

// waitForSlot polls until the server can take another client. It returns
// false if ctx was cancelled first.
func (f *Frontend) waitForSlot(ctx context.Context) bool {
	for f.isServerFull() {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return true
}

// startBlockingLoop implements a connection handling loop that's purely responsible for
// accepting new connections and spinning off goroutines to handle them.
func (f *Frontend) startBlockingLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	f.Logger.Infof("waiting for connections on %v", f.socket.Addr())

	connections := make(chan *net.TCPConn)
	go func() {
		defer close(connections)
		for {
			if !f.waitForSlot(ctx) {
				return
			}

			connection, err := f.socket.AcceptTCP()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				f.Logger.Warnf("failed to accept connection: %s", err.Error())
				continue
			}

			// Clients may have registered while we were blocked in AcceptTCP, in
			// which case the new connection is held until a slot frees up.
			if !f.waitForSlot(ctx) {
				_ = connection.Close()
				return
			}

			select {
			case connections <- connection:
			case <-ctx.Done():
				_ = connection.Close()
				return
			}
		}
	}()

	clientWg := &sync.WaitGroup{}
handleLoop:
	for {
		select {
		case <-ctx.Done():
			break handleLoop
		case connection, ok := <-connections:
			if !ok {
				break handleLoop
			}
			clientWg.Add(1)
			go f.acceptClient(ctx, connection, clientWg)
		}
	}

	if err := f.socket.Close(); err != nil {
		f.Logger.Warnf("failed to close listener: %v", err)
	}

	f.Logger.Info("shutting down (waiting for connections to close)")
	clientWg.Wait()
	f.Logger.Info("exited")
}

func (f *Frontend) acceptClient(ctx context.Context, connection *net.TCPConn, wg *sync.WaitGroup) {
	defer wg.Done()

	c := newConnection(f, connection)
	c.log.Info("accepted connection")
	c.run(ctx)
}
