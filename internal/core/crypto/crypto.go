// Package crypto implements the symmetric cipher sessions used to exchange
// frames with relay clients.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	// KeySize is the length of an AES-256 key.
	KeySize = 32
	// IVSize is the length of a CBC initialization vector.
	IVSize = aes.BlockSize
	// BlockSize is the cipher block size; ciphertexts are always a multiple of it.
	BlockSize = aes.BlockSize
)

var (
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrDecryptFailure     = errors.New("decryption failed")
)

// CryptoSession is a pair of AES-256-CBC transforms bound to one key and IV.
//
// Each call to Encrypt or Decrypt is a complete transform over its input that
// starts chaining from the session IV, so no state carries over between calls.
// Callers that share a session between goroutines should still serialize
// access to it; the Client type does this for its own session.
type CryptoSession struct {
	block cipher.Block
	iv    []byte
}

// NewCryptoSession returns a session for key and iv, which must be exactly
// KeySize and IVSize bytes long.
func NewCryptoSession(key, iv []byte) (*CryptoSession, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKeyMaterial, KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidKeyMaterial, IVSize, len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}

	return &CryptoSession{block: block, iv: bytes.Clone(iv)}, nil
}

// Encrypt pads plaintext with PKCS#7 and returns its CBC ciphertext. The
// result is always at least one block long.
func (s *CryptoSession) Encrypt(plaintext []byte) []byte {
	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(s.block, s.iv).CryptBlocks(ciphertext, padded)
	return ciphertext
}

// Decrypt reverses Encrypt. Input that isn't a whole number of blocks or
// that doesn't carry valid padding yields ErrDecryptFailure.
func (s *CryptoSession) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d",
			ErrDecryptFailure, len(ciphertext), BlockSize)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(s.block, s.iv).CryptBlocks(plaintext, ciphertext)
	return unpad(plaintext)
}

// CiphertextSize returns the length of the ciphertext Encrypt produces for a
// plaintext of n bytes.
func CiphertextSize(n int) int {
	return (n/BlockSize + 1) * BlockSize
}

func pad(data []byte) []byte {
	padLen := BlockSize - len(data)%BlockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func unpad(data []byte) ([]byte, error) {
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > BlockSize {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryptFailure)
	}

	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryptFailure)
		}
	}
	return data[:len(data)-padLen], nil
}
