package crypto

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// SharedSecret holds the server-wide handshake key and IV in an encrypted
// memguard enclave. The plaintext material only exists in locked memory while
// a session is being built from it.
type SharedSecret struct {
	enclave *memguard.Enclave
}

// NewSharedSecret validates key and iv and seals them into an enclave. The
// caller's slices are wiped once they've been copied.
func NewSharedSecret(key, iv []byte) (*SharedSecret, error) {
	if len(key) != KeySize || len(iv) != IVSize {
		return nil, fmt.Errorf("%w: shared secret must be a %d byte key and %d byte iv",
			ErrInvalidKeyMaterial, KeySize, IVSize)
	}

	material := make([]byte, 0, KeySize+IVSize)
	material = append(material, key...)
	material = append(material, iv...)
	memguard.WipeBytes(key)
	memguard.WipeBytes(iv)

	return &SharedSecret{enclave: memguard.NewEnclave(material)}, nil
}

// Session builds a CryptoSession from the shared key and IV.
func (s *SharedSecret) Session() (*CryptoSession, error) {
	if s.enclave == nil {
		return nil, errors.New("shared secret has been destroyed")
	}

	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening shared secret: %w", err)
	}
	defer buf.Destroy()

	material := buf.Bytes()
	return NewCryptoSession(material[:KeySize], material[KeySize:])
}

// Destroy drops the reference to the enclave so no further sessions can be
// built. Sessions built before the call remain usable. The sealed material
// itself is only wiped by memguard.Purge, which the relay command calls on
// shutdown.
func (s *SharedSecret) Destroy() {
	s.enclave = nil
}
