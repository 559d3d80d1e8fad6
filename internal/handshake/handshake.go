// Package handshake turns the first frame sent by a new connection into the
// username and CryptoSession it will use for the rest of its lifetime.
//
// The frame body is encrypted with the server's shared secret and decrypts to
// "<username> <session key> <session iv>". Anything after the third field is
// ignored.
package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/dcrodman/relay/internal/core/crypto"
	"github.com/dcrodman/relay/internal/core/frame"
)

var (
	ErrConnectionClosed = errors.New("connection closed before handshake")
	ErrBadSecret        = errors.New("handshake not encrypted with the shared secret")
	ErrMalformedPayload = errors.New("malformed handshake payload")
	ErrInvalidUsername  = errors.New("invalid username")
	ErrBadSessionKey    = errors.New("bad session key")
)

// Error is returned for every failed handshake. Kind is one of the Err*
// sentinels above and Err, if set, is the underlying cause.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func fail(kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// Result is the outcome of a successful handshake.
type Result struct {
	Username string
	Session  *crypto.CryptoSession
}

const fieldSeparator = ' '

// Decode decrypts a handshake frame body with the shared session and extracts
// the client's username and session. It has no side effects.
func Decode(data []byte, shared *crypto.CryptoSession) (*Result, error) {
	if len(data) == 0 {
		return nil, fail(ErrConnectionClosed, nil)
	}

	payload, err := shared.Decrypt(data)
	if err != nil {
		return nil, fail(ErrBadSecret, err)
	}

	fields := bytes.SplitN(payload, []byte{fieldSeparator}, 4)
	if len(fields) < 3 {
		return nil, fail(ErrMalformedPayload, fmt.Errorf("expected 3 fields, got %d", len(fields)))
	}

	username, err := parseUsername(fields[0])
	if err != nil {
		return nil, fail(ErrInvalidUsername, err)
	}

	session, err := crypto.NewCryptoSession(fields[1], fields[2])
	if err != nil {
		return nil, fail(ErrBadSessionKey, err)
	}

	return &Result{Username: username, Session: session}, nil
}

// ReadAndDecode reads one frame of at most maxSize bytes from r and decodes it.
func ReadAndDecode(r io.Reader, maxSize int, shared *crypto.CryptoSession) (*Result, error) {
	data, err := frame.Read(r, maxSize)
	if errors.Is(err, frame.ErrFrameTooLarge) {
		return nil, fail(ErrMalformedPayload, err)
	} else if errors.Is(err, io.EOF) {
		return nil, fail(ErrConnectionClosed, nil)
	} else if err != nil {
		return nil, fail(ErrConnectionClosed, err)
	}

	return Decode(data, shared)
}

// parseUsername validates the raw username field and returns its NFC form so
// that equivalent spellings compare equal.
func parseUsername(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("username is empty")
	}
	if !utf8.Valid(raw) {
		return "", errors.New("username is not valid UTF-8")
	}

	for _, r := range string(raw) {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("username contains control character %U", r)
		}
	}
	return norm.NFC.String(string(raw)), nil
}
