package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcrodman/relay/internal/core/crypto"
	"github.com/dcrodman/relay/internal/core/frame"
)

// ErrNoSession is returned by Send before the client has authenticated.
var ErrNoSession = errors.New("client has no session")

// Client represents a user connected to the relay over a TCP connection.
//
// The connection is owned by the goroutine serving the client. Other
// goroutines may only write to it through Send, which serializes writes and
// uses the client's own CryptoSession.
type Client struct {
	id         uuid.UUID
	connection net.Conn
	ipAddr     string
	port       string

	username string
	session  *crypto.CryptoSession

	writeMu      sync.Mutex
	writeTimeout time.Duration
	maxFrameSize int

	// Debugging information used for logging purposes.
	DebugTags map[string]interface{}
}

// NewClient wraps connection with a freshly generated identity. The client
// has no username or session until Authenticate is called.
func NewClient(connection net.Conn, maxFrameSize int, writeTimeout time.Duration) *Client {
	host, port, err := net.SplitHostPort(connection.RemoteAddr().String())
	if err != nil {
		host = connection.RemoteAddr().String()
	}

	c := &Client{
		id:           uuid.New(),
		connection:   connection,
		ipAddr:       host,
		port:         port,
		writeTimeout: writeTimeout,
		maxFrameSize: maxFrameSize,
		DebugTags:    make(map[string]interface{}),
	}
	c.DebugTags["id"] = c.id.String()
	c.DebugTags["addr"] = connection.RemoteAddr().String()
	return c
}

func (c *Client) ID() uuid.UUID    { return c.id }
func (c *Client) IPAddr() string   { return c.ipAddr }
func (c *Client) Port() string     { return c.port }
func (c *Client) Username() string { return c.username }

// Authenticate binds the username and session established by the handshake.
// It must be called before the client is shared with other goroutines.
func (c *Client) Authenticate(username string, session *crypto.CryptoSession) {
	c.username = username
	c.session = session
	c.DebugTags["username"] = username
}

// Read consumes the available bytes directly from the client's TCP connection.
func (c *Client) Read(b []byte) (int, error) {
	return c.connection.Read(b)
}

// ReadFrame blocks until the next frame arrives and returns its raw body.
func (c *Client) ReadFrame(maxSize int) ([]byte, error) {
	return frame.Read(c, maxSize)
}

// Receive reads the next frame and decrypts it with the client's session.
func (c *Client) Receive() ([]byte, error) {
	body, err := c.ReadFrame(c.maxFrameSize)
	if err != nil {
		return nil, err
	}
	return c.session.Decrypt(body)
}

// SetReadDeadline bounds the next read from the connection. A zero value
// clears the deadline.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.connection.SetReadDeadline(t)
}

// Send encrypts payload with the client's session and writes it as one frame.
func (c *Client) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.session == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, c.id)
	}

	ciphertext := c.session.Encrypt(payload)
	if len(ciphertext) > c.maxFrameSize {
		return fmt.Errorf("%w: %d byte message to %s", frame.ErrFrameTooLarge, len(ciphertext), c.username)
	}
	return c.transmit(ciphertext)
}

// SendRaw writes payload to the client as a frame as-is (e.g. without
// encrypting it first).
func (c *Client) SendRaw(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transmit(payload)
}

func (c *Client) transmit(body []byte) error {
	if c.writeTimeout > 0 {
		if err := c.connection.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline for %v: %w", c.IPAddr(), err)
		}
	}

	if err := frame.Write(c.connection, body); err != nil {
		return fmt.Errorf("failed to send to client %v: %w", c.IPAddr(), err)
	}
	return nil
}

// Close the TCP connection.
func (c *Client) Close() error {
	return c.connection.Close()
}
