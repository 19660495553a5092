package wg

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyLen is the length in bytes of every WireGuard key.
const KeyLen = wgtypes.KeyLen

const (
	base64KeyLen = 44
	hexKeyLen    = 64
)

// PublicKey identifies a peer or an interface. It is not secret.
type PublicKey [KeyLen]byte

// ParsePublicKey parses a public key in base64 or hex encoding.
func ParsePublicKey(s string) (PublicKey, error) {
	switch len(s) {
	case base64KeyLen:
		k, err := wgtypes.ParseKey(s)
		if err != nil {
			return PublicKey{}, NewError(InvalidKey, "parse public key", "", err)
		}
		return PublicKey(k), nil
	case hexKeyLen:
		var k PublicKey
		if _, err := hex.Decode(k[:], []byte(s)); err != nil {
			return PublicKey{}, NewError(InvalidKey, "parse public key", "", err)
		}
		return k, nil
	default:
		return PublicKey{}, NewError(InvalidKey, "parse public key", "",
			fmt.Errorf("expected %d base64 or %d hex characters, got %d", base64KeyLen, hexKeyLen, len(s)))
	}
}

// PublicKeyFromBytes copies a raw 32-byte public key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != KeyLen {
		return k, NewError(InvalidKey, "decode public key", "", fmt.Errorf("expected %d bytes, got %d", KeyLen, len(b)))
	}
	copy(k[:], b)
	return k, nil
}

// String returns the base64 encoding used by wg(8).
func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Hex returns the lowercase hex encoding used by the UAPI protocol.
func (k PublicKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether k is the all-zero key.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(b []byte) error {
	pk, err := ParsePublicKey(string(b))
	if err != nil {
		return err
	}
	*k = pk
	return nil
}

// SecretKey holds a private or preshared key. The bytes live in a single
// heap buffer that Wipe overwrites with zeros; copies are only made
// through Clone. A nil *SecretKey is valid and means "no key".
type SecretKey struct {
	b *[KeyLen]byte
}

// SecretKeyFromBytes copies b into a new SecretKey. The caller still owns b
// and is responsible for wiping it.
func SecretKeyFromBytes(b []byte) (*SecretKey, error) {
	if len(b) != KeyLen {
		return nil, NewError(InvalidKey, "decode secret key", "", fmt.Errorf("expected %d bytes, got %d", KeyLen, len(b)))
	}
	k := &SecretKey{b: new([KeyLen]byte)}
	copy(k.b[:], b)
	return k, nil
}

// PrivateKeyFromBytes is SecretKeyFromBytes followed by curve25519 clamping.
func PrivateKeyFromBytes(b []byte) (*SecretKey, error) {
	k, err := SecretKeyFromBytes(b)
	if err != nil {
		return nil, err
	}
	clamp(k.b)
	return k, nil
}

// GeneratePrivateKey returns a new random, clamped private key.
func GeneratePrivateKey() (*SecretKey, error) {
	raw, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	defer clear(raw[:])
	return PrivateKeyFromBytes(raw[:])
}

// GeneratePresharedKey returns a new random preshared key.
func GeneratePresharedKey() (*SecretKey, error) {
	raw, err := wgtypes.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate preshared key: %w", err)
	}
	defer clear(raw[:])
	return SecretKeyFromBytes(raw[:])
}

// ParsePrivateKey decodes a base64 or hex private key and clamps it.
// Unclamped input is corrected rather than rejected.
func ParsePrivateKey(s string) (*SecretKey, error) {
	k, err := parseSecret(s)
	if err != nil {
		return nil, err
	}
	if k.IsZero() {
		k.Wipe()
		return nil, NewError(InvalidKey, "parse private key", "", fmt.Errorf("key is all zeros"))
	}
	clamp(k.b)
	return k, nil
}

// ParsePresharedKey decodes a base64 or hex preshared key.
func ParsePresharedKey(s string) (*SecretKey, error) {
	return parseSecret(s)
}

func parseSecret(s string) (*SecretKey, error) {
	var buf [KeyLen + 1]byte
	defer clear(buf[:])

	switch len(s) {
	case base64KeyLen:
		if s[base64KeyLen-1] != '=' {
			return nil, NewError(InvalidKey, "parse secret key", "", fmt.Errorf("malformed base64 padding"))
		}
		n, err := base64.StdEncoding.Decode(buf[:], []byte(s))
		if err != nil {
			return nil, NewError(InvalidKey, "parse secret key", "", fmt.Errorf("malformed base64"))
		}
		if n != KeyLen {
			return nil, NewError(InvalidKey, "parse secret key", "", fmt.Errorf("expected %d bytes, got %d", KeyLen, n))
		}
	case hexKeyLen:
		if _, err := hex.Decode(buf[:KeyLen], []byte(s)); err != nil {
			return nil, NewError(InvalidKey, "parse secret key", "", fmt.Errorf("malformed hex"))
		}
	default:
		return nil, NewError(InvalidKey, "parse secret key", "",
			fmt.Errorf("expected %d base64 or %d hex characters, got %d", base64KeyLen, hexKeyLen, len(s)))
	}

	return SecretKeyFromBytes(buf[:KeyLen])
}

// SecretKeyFromHex decodes 64 hex characters straight from a wire buffer,
// so the key never passes through an immutable string.
func SecretKeyFromHex(b []byte) (*SecretKey, error) {
	if len(b) != hexKeyLen {
		return nil, NewError(InvalidKey, "decode secret key", "", fmt.Errorf("expected %d hex characters, got %d", hexKeyLen, len(b)))
	}
	k := &SecretKey{b: new([KeyLen]byte)}
	if _, err := hex.Decode(k.b[:], b); err != nil {
		k.Wipe()
		return nil, NewError(InvalidKey, "decode secret key", "", fmt.Errorf("malformed hex"))
	}
	return k, nil
}

// PublicKey derives the X25519 public key. It returns the zero key for a
// nil receiver.
func (k *SecretKey) PublicKey() PublicKey {
	var pub PublicKey
	if k == nil || k.b == nil {
		return pub
	}
	curve25519.ScalarBaseMult((*[32]byte)(&pub), k.b)
	return pub
}

// Bytes returns the backing buffer. The slice is invalidated by Wipe and
// must not be retained.
func (k *SecretKey) Bytes() []byte {
	if k == nil || k.b == nil {
		return nil
	}
	return k.b[:]
}

// Clone returns an independent copy that must be wiped separately.
func (k *SecretKey) Clone() *SecretKey {
	if k == nil || k.b == nil {
		return nil
	}
	c := &SecretKey{b: new([KeyLen]byte)}
	*c.b = *k.b
	return c
}

// Equal compares two keys in constant time. Two nil keys are equal.
func (k *SecretKey) Equal(o *SecretKey) bool {
	kb, ob := k.Bytes(), o.Bytes()
	if kb == nil || ob == nil {
		return kb == nil && ob == nil
	}
	return subtle.ConstantTimeCompare(kb, ob) == 1
}

// IsZero reports whether the key is nil, wiped, or all zeros.
func (k *SecretKey) IsZero() bool {
	b := k.Bytes()
	if b == nil {
		return true
	}
	var zero [KeyLen]byte
	return subtle.ConstantTimeCompare(b, zero[:]) == 1
}

// Wipe overwrites the key with zeros. It is safe to call more than once
// and on a nil receiver.
func (k *SecretKey) Wipe() {
	if k == nil || k.b == nil {
		return
	}
	clear(k.b[:])
}

// AppendHex appends the hex encoding of the key to dst. dst should be a
// SecretBuffer-owned slice so that it gets wiped.
func (k *SecretKey) AppendHex(dst []byte) []byte {
	return hex.AppendEncode(dst, k.Bytes())
}

// AppendBase64 appends the base64 encoding of the key to dst.
func (k *SecretKey) AppendBase64(dst []byte) []byte {
	return base64.StdEncoding.AppendEncode(dst, k.Bytes())
}

func (k *SecretKey) String() string   { return "(hidden)" }
func (k *SecretKey) GoString() string { return "wg.SecretKey{(hidden)}" }

// LogValue keeps secrets out of structured logs.
func (k *SecretKey) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

func clamp(b *[KeyLen]byte) {
	b[0] &= 248
	b[31] &= 127
	b[31] |= 64
}

// SecretBuffer is an append-only byte buffer for wire messages that carry
// key material. Growing the buffer wipes the old backing array, and Wipe
// zeroes the whole capacity.
type SecretBuffer struct {
	b []byte
}

// NewSecretBuffer preallocates n bytes.
func NewSecretBuffer(n int) *SecretBuffer {
	return &SecretBuffer{b: make([]byte, 0, n)}
}

func (s *SecretBuffer) grow(n int) {
	if cap(s.b)-len(s.b) >= n {
		return
	}
	size := 2*cap(s.b) + n
	nb := make([]byte, len(s.b), size)
	copy(nb, s.b)
	clear(s.b[:cap(s.b)])
	s.b = nb
}

// Write implements io.Writer. It never fails.
func (s *SecretBuffer) Write(p []byte) (int, error) {
	s.grow(len(p))
	s.b = append(s.b, p...)
	return len(p), nil
}

// WriteString appends str.
func (s *SecretBuffer) WriteString(str string) (int, error) {
	s.grow(len(str))
	s.b = append(s.b, str...)
	return len(str), nil
}

// AppendSecretHex appends the hex encoding of k without an intermediate
// string.
func (s *SecretBuffer) AppendSecretHex(k *SecretKey) {
	s.grow(hexKeyLen)
	s.b = k.AppendHex(s.b)
}

// Bytes returns the buffered contents. The slice is invalidated by Wipe.
func (s *SecretBuffer) Bytes() []byte { return s.b }

// Len returns the number of buffered bytes.
func (s *SecretBuffer) Len() int { return len(s.b) }

// Wipe zeroes the buffer, including unused capacity, and resets it.
func (s *SecretBuffer) Wipe() {
	if s == nil {
		return
	}
	clear(s.b[:cap(s.b)])
	s.b = s.b[:0]
}
