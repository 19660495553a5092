package wg

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// Classify maps a raw transport or syscall error onto a Kind. Errors that
// already carry a Kind keep it.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	if k := KindOf(err); k != Unknown {
		return k
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EPERM, syscall.EACCES:
			return PermissionDenied
		case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
			return NotFound
		case syscall.EEXIST:
			return AlreadyExists
		case syscall.EOPNOTSUPP, syscall.EAFNOSUPPORT, syscall.EPROTONOSUPPORT:
			return Unsupported
		case syscall.EINVAL, syscall.ERANGE, syscall.EADDRINUSE:
			return InvalidArgument
		case syscall.ETIMEDOUT:
			return Timeout
		case syscall.EPIPE, syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EBADF:
			return BackendDown
		case syscall.EPROTO, syscall.EMSGSIZE:
			return ProtocolError
		}
	}

	switch {
	case errors.Is(err, os.ErrPermission):
		return PermissionDenied
	case errors.Is(err, os.ErrNotExist):
		return NotFound
	case errors.Is(err, os.ErrExist):
		return AlreadyExists
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return BackendDown
	case errors.Is(err, context.Canceled):
		return Unknown
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Timeout
	}
	return Unknown
}

// Wrap converts a raw error into an *Error, classifying it unless it
// already is one. A nil err returns nil.
func Wrap(op, iface string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewError(Classify(err), op, iface, err)
}

// Hint translates common netlink, UAPI and process errors into an
// actionable hint for operators.
func Hint(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case PermissionDenied:
		return "missing CAP_NET_ADMIN capability - run as root or grant AmbientCapabilities=CAP_NET_ADMIN"
	case Unsupported:
		return "wireguard kernel module not available - run 'modprobe wireguard' or select the userspace backend"
	case BackendDown:
		return "userspace wireguard process is not running - check the userspace.binary setting and the process logs"
	case Timeout:
		return "backend did not answer in time - raise backend.op_timeout or check system load"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "file exists"):
		return "interface already exists - check for orphaned WG interfaces with 'ip link show'"
	case strings.Contains(msg, "no such device"):
		return "interface does not exist - check 'ip link show type wireguard'"
	case strings.Contains(msg, "address already in use"):
		return "listen port already bound - check with 'ss -ulnp | grep <port>'"
	case strings.Contains(msg, "no buffer space available"):
		return "too many network interfaces - check 'ip link | wc -l'"
	case strings.Contains(msg, "invalid argument"):
		return "invalid configuration - check key format and allowed IPs syntax"
	case strings.Contains(msg, "executable file not found"):
		return "userspace implementation not installed - install wireguard-go or set userspace.binary"
	case strings.Contains(msg, "device or resource busy"):
		return "interface is busy - another process may be using it"
	default:
		return "unknown error - check 'dmesg | tail -20' for kernel messages"
	}
}
