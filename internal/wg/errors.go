package wg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Kind classifies a failure. Kinds are themselves errors so that callers
// can write errors.Is(err, wg.NotFound).
type Kind uint8

const (
	Unknown Kind = iota
	NotFound
	AlreadyExists
	InvalidKey
	Unsupported
	PermissionDenied
	BackendDown
	Timeout
	ProtocolError
	InvalidArgument
)

var kindNames = [...]string{
	Unknown:          "unknown",
	NotFound:         "not found",
	AlreadyExists:    "already exists",
	InvalidKey:       "invalid key",
	Unsupported:      "unsupported",
	PermissionDenied: "permission denied",
	BackendDown:      "backend down",
	Timeout:          "timeout",
	ProtocolError:    "protocol error",
	InvalidArgument:  "invalid argument",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

func (k Kind) Error() string { return k.String() }

// Label returns the snake_case form used in logs and metric labels.
func (k Kind) Label() string {
	return strings.ReplaceAll(k.String(), " ", "_")
}

// Error is the failure type returned by backends and the reconciler. It
// names the interface and, for peer operations, the peer's public key.
// It never carries secret key bytes.
type Error struct {
	Kind      Kind
	Op        string
	Interface string
	Peer      PublicKey
	Err       error
}

// NewError builds an *Error. err may be nil.
func NewError(kind Kind, op, iface string, err error) *Error {
	return &Error{Kind: kind, Op: op, Interface: iface, Err: err}
}

// ForPeer returns a copy of e that names the given peer.
func (e *Error) ForPeer(pub PublicKey) *Error {
	c := *e
	c.Peer = pub
	return &c
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Interface != "" {
		b.WriteString(" ")
		b.WriteString(e.Interface)
	}
	if !e.Peer.IsZero() {
		b.WriteString(" peer ")
		b.WriteString(e.Peer.String())
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Err != nil && e.Err != error(e.Kind) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a Kind target against e.Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf extracts the Kind of err. Context deadlines and OS deadline
// errors report Timeout even when they were not wrapped in an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// IsNotFound is shorthand for errors.Is(err, NotFound).
func IsNotFound(err error) bool {
	return errors.Is(err, NotFound)
}
