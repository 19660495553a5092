package userspace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/itsChris/wgsync/internal/wg"
)

func (b *Backend) socketPath(name string) string {
	return filepath.Join(b.cfg.SocketDir, name+".sock")
}

// retryableDial reports errors a starting process produces before its
// socket accepts connections.
func retryableDial(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}

// dialPolicy retries dial failures of a starting process. It gives up as
// soon as p has exited. A negative retries value retries until the
// context ends.
func (b *Backend) dialPolicy(p *process, retries int) retrypolicy.RetryPolicy[net.Conn] {
	return retrypolicy.NewBuilder[net.Conn]().
		WithBackoff(b.cfg.BackoffBase, b.cfg.BackoffMax).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		HandleIf(func(_ net.Conn, err error) bool {
			return p != nil && p.alive() && retryableDial(err)
		}).
		Build()
}

// dial runs a dial attempt under policy and returns the last raw dial
// error alongside the policy's result.
func dial(ctx context.Context, path string, policy retrypolicy.RetryPolicy[net.Conn]) (net.Conn, error, error) {
	var last error
	conn, err := failsafe.With(policy).WithContext(ctx).Get(func() (net.Conn, error) {
		var d net.Dialer
		c, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			last = err
		}
		return c, err
	})
	if last == nil {
		last = err
	}
	return conn, err, last
}

// connect opens the control socket of name. While a supervised process
// is alive, connection failures are retried with backoff; once it has
// exited the result is BackendDown. For devices this engine did not
// spawn, a refused connection means a stale socket, which is removed.
func (b *Backend) connect(ctx context.Context, op, name string) (net.Conn, error) {
	p := b.process(name)
	if p != nil && !p.alive() {
		return nil, wg.NewError(wg.BackendDown, op, name, p.exitError())
	}

	path := b.socketPath(name)
	conn, err, last := dial(ctx, path, b.dialPolicy(p, b.cfg.ConnectRetries))
	if err == nil {
		return conn, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, wg.Wrap(op, name, ctxErr)
	}

	if p != nil {
		if !p.alive() {
			return nil, wg.NewError(wg.BackendDown, op, name, p.exitError())
		}
		return nil, wg.NewError(wg.BackendDown, op, name, last)
	}
	if errors.Is(last, syscall.ECONNREFUSED) {
		if rmErr := os.Remove(path); rmErr == nil {
			b.logger.Warn("userspace_stale_socket_removed", "interface", name, "path", path)
		}
		return nil, wg.NewError(wg.NotFound, op, name, last)
	}
	return nil, wg.Wrap(op, name, last)
}

// waitReady blocks until the freshly spawned p accepts connections on its
// control socket, p exits, or the ready timeout passes.
func (b *Backend) waitReady(ctx context.Context, op, name string, p *process) error {
	readyCtx, cancel := context.WithTimeout(ctx, b.cfg.ReadyTimeout)
	defer cancel()

	conn, err, last := dial(readyCtx, b.socketPath(name), b.dialPolicy(p, -1))
	if err == nil {
		_ = conn.Close()
		p.advance(stateReady)
		return nil
	}
	switch {
	case !p.alive():
		return wg.NewError(wg.BackendDown, op, name, p.exitError())
	case ctx.Err() != nil:
		return wg.Wrap(op, name, ctx.Err())
	case readyCtx.Err() != nil:
		return wg.NewError(wg.Timeout, op, name, fmt.Errorf("control socket not ready after %s", b.cfg.ReadyTimeout))
	}
	return wg.NewError(wg.BackendDown, op, name, last)
}

// roundTrip sends one request frame and reads the reply frame into reply.
// The connection deadline follows ctx, and cancelling ctx aborts blocked
// I/O.
func (b *Backend) roundTrip(ctx context.Context, op, name string, request []byte, reply *wg.SecretBuffer) error {
	conn, err := b.connect(ctx, op, name)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(request); err != nil {
		return b.ioError(ctx, op, name, err)
	}
	if err := readFrame(conn, reply); err != nil {
		return b.ioError(ctx, op, name, err)
	}
	return nil
}

// ioError classifies a failure on an established connection. If the
// supervised process died meanwhile the device is down, whatever the
// socket reported.
func (b *Backend) ioError(ctx context.Context, op, name string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return wg.Wrap(op, name, ctxErr)
	}
	if p := b.process(name); p != nil {
		// Give the exit a moment to be reaped so the state is accurate.
		select {
		case <-p.done:
		case <-time.After(50 * time.Millisecond):
		}
		if !p.alive() {
			return wg.NewError(wg.BackendDown, op, name, errors.Join(err, p.exitError()))
		}
	}
	if errors.Is(err, syscall.EMSGSIZE) {
		return wg.NewError(wg.ProtocolError, op, name, err)
	}
	return wg.Wrap(op, name, err)
}
