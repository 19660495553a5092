// Package crypto seals key material stored at rest.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/itsChris/wgsync/internal/wg"
)

const (
	// hkdfSalt is a fixed salt for key derivation.
	hkdfSalt = "wgsync-secret-sealing"

	formatPlain  byte = 0
	formatSealed byte = 1

	nonceSize = 12
	tagSize   = 16
	sealedLen = 1 + nonceSize + wg.KeyLen + tagSize
	plainLen  = 1 + wg.KeyLen
)

// ErrSealed is returned when a sealed value is read without a sealing
// key.
var ErrSealed = errors.New("value is sealed and no encryption key is configured")

// DeriveKey derives a 32-byte sealing key from a master secret using
// HKDF-SHA256.
func DeriveKey(masterSecret []byte) ([32]byte, error) {
	var key [32]byte
	if len(masterSecret) < 16 {
		return key, fmt.Errorf("derive sealing key: master secret must be at least 16 bytes")
	}
	r := hkdf.New(sha256.New, masterSecret, []byte(hkdfSalt), nil)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive sealing key: %w", err)
	}
	return key, nil
}

// Sealer turns secret keys into storable blobs and back. A Sealer
// without a key stores keys unsealed but still refuses to open sealed
// blobs.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a derived key.
func NewSealer(key [32]byte) (*Sealer, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new sealer: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new sealer: new gcm: %w", err)
	}
	clear(key[:])
	return &Sealer{aead: aead}, nil
}

// NewPlainSealer returns a Sealer that stores keys unsealed.
func NewPlainSealer() *Sealer {
	return &Sealer{}
}

// LoadSealer reads a master secret from path. An empty path yields a
// plain Sealer.
func LoadSealer(path string) (*Sealer, error) {
	if path == "" {
		return NewPlainSealer(), nil
	}
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read encryption key file: %w", err)
	}
	defer clear(secret)

	key, err := DeriveKey(bytes.TrimSpace(secret))
	if err != nil {
		return nil, err
	}
	return NewSealer(key)
}

// Sealing reports whether stored keys are encrypted.
func (s *Sealer) Sealing() bool { return s.aead != nil }

// Seal encodes k for storage. context binds the blob to its row, e.g.
// "interface:wg0", so that a blob copied to another row fails to open.
// A nil key seals to nil.
func (s *Sealer) Seal(k *wg.SecretKey, context string) ([]byte, error) {
	if k == nil {
		return nil, nil
	}
	if s.aead == nil {
		out := make([]byte, 0, plainLen)
		out = append(out, formatPlain)
		return append(out, k.Bytes()...), nil
	}

	out := make([]byte, 1+nonceSize, sealedLen)
	out[0] = formatSealed
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("seal: generate nonce: %w", err)
	}
	return s.aead.Seal(out, out[1:], k.Bytes(), []byte(context)), nil
}

// Open decodes a blob produced by Seal. A nil blob opens to nil.
func (s *Sealer) Open(blob []byte, context string) (*wg.SecretKey, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	switch blob[0] {
	case formatPlain:
		if len(blob) != plainLen {
			return nil, fmt.Errorf("open: plain value has %d bytes", len(blob))
		}
		return wg.SecretKeyFromBytes(blob[1:])
	case formatSealed:
		if s.aead == nil {
			return nil, ErrSealed
		}
		if len(blob) != sealedLen {
			return nil, fmt.Errorf("open: sealed value has %d bytes", len(blob))
		}
		nonce := blob[1 : 1+nonceSize]
		var buf [wg.KeyLen]byte
		defer clear(buf[:])
		if _, err := s.aead.Open(buf[:0], nonce, blob[1+nonceSize:], []byte(context)); err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
		return wg.SecretKeyFromBytes(buf[:])
	default:
		return nil, fmt.Errorf("open: unknown format %d", blob[0])
	}
}

// IsSealed reports whether blob was produced by a Sealer with a key.
func IsSealed(blob []byte) bool {
	return len(blob) > 0 && blob[0] == formatSealed
}
