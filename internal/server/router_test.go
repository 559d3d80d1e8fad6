package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/relay/internal/core/client"
	"github.com/dcrodman/relay/internal/core/crypto"
	"github.com/dcrodman/relay/internal/core/frame"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newSessionMember returns a member with its own distinct session key.
func newSessionMember(t *testing.T, username string, keyByte byte) (*fakeMember, *crypto.CryptoSession) {
	t.Helper()
	session, err := crypto.NewCryptoSession(bytes.Repeat([]byte{keyByte}, crypto.KeySize), []byte("0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	m := newFakeMember(username)
	m.session = session
	return m, session
}

func TestRouter_Broadcast(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry, newTestLogger(), false)

	sessions := make(map[*fakeMember]*crypto.CryptoSession)
	for i, name := range []string{"alice", "bob", "carol"} {
		m, s := newSessionMember(t, name, byte('a'+i))
		sessions[m] = s
		_ = registry.Insert(m)
	}

	if err := router.Route(Message{Sender: "alice", Payload: []byte("hi")}, Broadcast()); err != nil {
		t.Fatalf("Route() returned an unexpected error: %v", err)
	}

	var ciphertexts [][]byte
	for m, s := range sessions {
		frames := m.frames()
		if len(frames) != 1 {
			t.Fatalf("%s received %d frames, want 1", m.Username(), len(frames))
		}
		plaintext, err := s.Decrypt(frames[0])
		if err != nil {
			t.Fatalf("%s could not decrypt its frame: %v", m.Username(), err)
		}
		if diff := cmp.Diff([]byte("hi"), plaintext); diff != "" {
			t.Errorf("%s decrypted the wrong message; diff:\n%s", m.Username(), diff)
		}
		ciphertexts = append(ciphertexts, frames[0])
	}

	// Every recipient's ciphertext comes from its own session.
	if bytes.Equal(ciphertexts[0], ciphertexts[1]) || bytes.Equal(ciphertexts[1], ciphertexts[2]) {
		t.Errorf("expected each recipient to receive a distinct ciphertext")
	}
}

func TestRouter_BroadcastWithNoClients(t *testing.T) {
	router := NewRouter(NewRegistry(), newTestLogger(), false)
	if err := router.Route(Message{Sender: "Server", Payload: []byte("anyone?")}, Broadcast()); err != nil {
		t.Errorf("Route() returned an unexpected error: %v", err)
	}
}

func TestRouter_Unicast(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry, newTestLogger(), false)
	alice, bob := newFakeMember("alice"), newFakeMember("bob")
	_ = registry.Insert(alice)
	_ = registry.Insert(bob)

	if err := router.Route(Message{Sender: "Server", Payload: []byte("psst")}, Unicast("bob")); err != nil {
		t.Fatalf("Route() returned an unexpected error: %v", err)
	}

	if len(alice.frames()) != 0 {
		t.Errorf("alice received a message addressed to bob")
	}
	if diff := cmp.Diff([][]byte{[]byte("psst")}, bob.frames()); diff != "" {
		t.Errorf("bob received the wrong frames; diff:\n%s", diff)
	}
}

func TestRouter_UnknownRecipient(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry, newTestLogger(), false)
	alice := newFakeMember("alice")
	_ = registry.Insert(alice)

	err := router.Route(Message{Sender: "Server", Payload: []byte("hello?")}, Unicast("nobody"))
	if !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("Route() error = %v, want ErrUnknownRecipient", err)
	}
	if len(alice.frames()) != 0 {
		t.Errorf("expected no writes for an unknown recipient")
	}
}

func TestRouter_BlankUnicast(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry, newTestLogger(), false)
	alice, bob := newFakeMember("alice"), newFakeMember("bob")
	_ = registry.Insert(alice)
	_ = registry.Insert(bob)

	for _, policy := range []Policy{Unicast(""), {}} {
		err := router.Route(Message{Sender: "Server", Payload: []byte("hello?")}, policy)
		if !errors.Is(err, ErrUnknownRecipient) {
			t.Errorf("Route(%v) error = %v, want ErrUnknownRecipient", policy, err)
		}
	}
	if len(alice.frames()) != 0 || len(bob.frames()) != 0 {
		t.Errorf("expected no writes for a blank recipient")
	}
}

func TestRouter_MessageTooLarge(t *testing.T) {
	tests := []struct {
		name          string
		includeSender bool
		payloadSize   int
	}{
		// 64 bytes of plaintext pad out to an 80 byte ciphertext.
		{name: "payload alone", payloadSize: 64},
		// Fits on its own, but not once "alice: " is prepended.
		{name: "with sender prefix", includeSender: true, payloadSize: 47},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			router := NewRouter(registry, newTestLogger(), tt.includeSender)
			router.MaxFrameSize = 48

			alice, bob := newFakeMember("alice"), newFakeMember("bob")
			_ = registry.Insert(alice)
			_ = registry.Insert(bob)

			msg := Message{Sender: "alice", Payload: bytes.Repeat([]byte("x"), tt.payloadSize)}
			if err := router.Route(msg, Broadcast()); !errors.Is(err, ErrMessageTooLarge) {
				t.Fatalf("Route() error = %v, want ErrMessageTooLarge", err)
			}

			for _, m := range []*fakeMember{alice, bob} {
				if len(m.frames()) != 0 || m.closed {
					t.Errorf("%s was affected by an undeliverable message", m.Username())
				}
			}
			if registry.Len() != 2 {
				t.Errorf("Len() = %d, want 2", registry.Len())
			}

			// A message that fits still goes out.
			if err := router.Route(Message{Sender: "alice", Payload: []byte("ok")}, Broadcast()); err != nil {
				t.Errorf("Route() returned an unexpected error: %v", err)
			}
		})
	}
}

func TestRouter_RejectedBeforeWriteKeepsRecipient(t *testing.T) {
	for _, sendErr := range []error{
		fmt.Errorf("%w: 5000 byte message to bob", frame.ErrFrameTooLarge),
		fmt.Errorf("%w: bob", client.ErrNoSession),
	} {
		registry := NewRegistry()
		router := NewRouter(registry, newTestLogger(), false)
		alice, bob := newFakeMember("alice"), newFakeMember("bob")
		bob.sendErr = sendErr
		_ = registry.Insert(alice)
		_ = registry.Insert(bob)

		err := router.Route(Message{Sender: "Server", Payload: []byte("hi")}, Broadcast())
		if !errors.Is(err, ErrPartialDelivery) {
			t.Fatalf("Route() error = %v, want ErrPartialDelivery", err)
		}
		if bob.closed {
			t.Errorf("expected bob to stay connected after %v", sendErr)
		}
		if len(alice.frames()) != 1 {
			t.Errorf("alice received %d frames, want 1", len(alice.frames()))
		}
	}
}

func TestRouter_PartialDeliveryFailure(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry, newTestLogger(), false)

	alice, bob, carol := newFakeMember("alice"), newFakeMember("bob"), newFakeMember("carol")
	writeErr := errors.New("broken pipe")
	bob.sendErr = writeErr
	for _, m := range []*fakeMember{alice, bob, carol} {
		_ = registry.Insert(m)
	}

	err := router.Route(Message{Sender: "alice", Payload: []byte("still here")}, Broadcast())
	if !errors.Is(err, ErrPartialDelivery) {
		t.Fatalf("Route() error = %v, want ErrPartialDelivery", err)
	}
	if !errors.Is(err, writeErr) {
		t.Errorf("expected the underlying write error to be wrapped")
	}

	var partial *PartialDeliveryError
	if !errors.As(err, &partial) {
		t.Fatalf("Route() error is not a *PartialDeliveryError")
	}
	if partial.Delivered != 2 || len(partial.Failures) != 1 || partial.Failures[0].Username != "bob" {
		t.Errorf("unexpected delivery report: %+v", partial)
	}

	for _, m := range []*fakeMember{alice, carol} {
		if diff := cmp.Diff([][]byte{[]byte("still here")}, m.frames()); diff != "" {
			t.Errorf("%s did not receive the message; diff:\n%s", m.Username(), diff)
		}
	}
	if !bob.closed {
		t.Errorf("expected the failed recipient to be disconnected")
	}
}

func TestRouter_IncludeSender(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry, newTestLogger(), true)
	alice := newFakeMember("alice")
	_ = registry.Insert(alice)

	_ = router.Route(Message{Sender: "bob", Payload: []byte("hi")}, Broadcast())
	if diff := cmp.Diff([][]byte{[]byte("bob: hi")}, alice.frames()); diff != "" {
		t.Errorf("expected the sender to be prefixed; diff:\n%s", diff)
	}
}

func TestRouter_PreservesSenderOrder(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry, newTestLogger(), false)
	alice := newFakeMember("alice")
	_ = registry.Insert(alice)

	var want [][]byte
	for _, text := range []string{"one", "two", "three", "four"} {
		want = append(want, []byte(text))
		_ = router.Route(Message{Sender: "bob", Payload: []byte(text)}, Broadcast())
	}

	if diff := cmp.Diff(want, alice.frames()); diff != "" {
		t.Errorf("messages were reordered; diff:\n%s", diff)
	}
}

func TestPolicy_String(t *testing.T) {
	if got := Broadcast().String(); got != "broadcast" {
		t.Errorf("Broadcast().String() = %s", got)
	}
	if got := Unicast("bob").String(); got != "unicast(bob)" {
		t.Errorf("Unicast().String() = %s", got)
	}
}
