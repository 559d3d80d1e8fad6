package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/relay/internal/core/client"
	"github.com/dcrodman/relay/internal/core/crypto"
	"github.com/dcrodman/relay/internal/core/frame"
)

var (
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrMessageTooLarge  = errors.New("message does not fit in a frame")
	ErrPartialDelivery  = errors.New("message was not delivered to every recipient")
)

// Message is a payload along with the name of whoever sent it, which is
// either a client's username or the operator name.
type Message struct {
	Sender  string
	Payload []byte
}

type policyKind int

const (
	unicastPolicy policyKind = iota
	broadcastPolicy
)

// Policy selects the recipients of a routed Message. The zero value is a
// unicast to the blank username, which never matches a client.
type Policy struct {
	kind policyKind
	// Recipient is the target username of a unicast.
	Recipient string
}

// Broadcast delivers to every client registered when the message is routed.
func Broadcast() Policy { return Policy{kind: broadcastPolicy} }

// Unicast delivers only to the named client.
func Unicast(username string) Policy { return Policy{kind: unicastPolicy, Recipient: username} }

func (p Policy) IsBroadcast() bool { return p.kind == broadcastPolicy }

func (p Policy) String() string {
	if p.IsBroadcast() {
		return "broadcast"
	}
	return "unicast(" + p.Recipient + ")"
}

// DeliveryFailure describes one recipient that could not be written to.
type DeliveryFailure struct {
	Username string
	Err      error
}

// PartialDeliveryError is returned when at least one recipient failed. The
// rest of the recipients were still delivered to.
type PartialDeliveryError struct {
	Delivered int
	Failures  []DeliveryFailure
}

func (e *PartialDeliveryError) Error() string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Username
	}
	return fmt.Sprintf("%v: failed for %s (%d delivered)",
		ErrPartialDelivery, strings.Join(names, ", "), e.Delivered)
}

func (e *PartialDeliveryError) Is(target error) bool {
	return target == ErrPartialDelivery
}

func (e *PartialDeliveryError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Router delivers messages to clients in the Registry. Every recipient gets
// its own ciphertext, produced by its own session.
//
// Deliveries are serialized: one Route call completes its fan-out before the
// next begins, so all recipients observe messages in the same order.
type Router struct {
	mu       sync.Mutex
	registry *Registry
	logger   *logrus.Logger

	includeSender bool
	// MaxFrameSize caps the ciphertext of a single delivery. 0 means no limit
	// beyond what each recipient's connection enforces.
	MaxFrameSize int
}

func NewRouter(registry *Registry, logger *logrus.Logger, includeSender bool) *Router {
	return &Router{registry: registry, logger: logger, includeSender: includeSender}
}

// Route delivers msg to the clients selected by policy. Unicast to a name
// that isn't connected returns ErrUnknownRecipient, and a message too large
// to be framed returns ErrMessageTooLarge, both without writing anything.
// Write failures are collected into a *PartialDeliveryError after every
// other recipient has been tried, and recipients whose connection failed
// are disconnected.
func (r *Router) Route(msg Message, policy Policy) error {
	body := r.render(msg)
	if size := crypto.CiphertextSize(len(body)); r.MaxFrameSize > 0 && size > r.MaxFrameSize {
		return fmt.Errorf("%w: %d byte frame exceeds the %d byte limit", ErrMessageTooLarge, size, r.MaxFrameSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var recipients []Member
	if policy.IsBroadcast() {
		recipients = r.registry.Snapshot()
	} else {
		m, ok := r.registry.FindByUsername(policy.Recipient)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRecipient, policy.Recipient)
		}
		recipients = []Member{m}
	}

	var failures []DeliveryFailure
	for _, m := range recipients {
		if err := m.Send(body); err != nil {
			r.logger.WithFields(logrus.Fields{
				"id":       m.ID(),
				"username": m.Username(),
				"sender":   msg.Sender,
			}).Warnf("failed to deliver message: %v", err)
			// A failed write may have left a partial frame on the wire, so the
			// connection is unusable. Closing it ends the client's read loop,
			// which takes care of deregistering it.
			if isTransportFailure(err) {
				_ = m.Close()
			}
			failures = append(failures, DeliveryFailure{Username: m.Username(), Err: err})
		}
	}

	if len(failures) > 0 {
		return &PartialDeliveryError{
			Delivered: len(recipients) - len(failures),
			Failures:  failures,
		}
	}
	return nil
}

// isTransportFailure reports whether err came from writing to the connection
// rather than from a check made before anything was written.
func isTransportFailure(err error) bool {
	return !errors.Is(err, frame.ErrFrameTooLarge) && !errors.Is(err, client.ErrNoSession)
}

func (r *Router) render(msg Message) []byte {
	if !r.includeSender {
		return msg.Payload
	}
	body := make([]byte, 0, len(msg.Sender)+2+len(msg.Payload))
	body = append(body, msg.Sender...)
	body = append(body, ": "...)
	return append(body, msg.Payload...)
}
