package locator

import (
	"context"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// transport is the RPC round-trip this client needs from a connection: a
// request/reply exchange over one socket. Abstracted behind an interface
// so the client's pooling/caching/fan-out logic can be exercised in tests
// without a real ZMQ socket.
type transport interface {
	call(payload []byte, timeout time.Duration) ([]byte, error)
	close() error
}

// zmqTransport is a DEALER-socket RPC connection to one master address,
// adapted from zmq.ZMQClient: connect-once, mutex-guarded, reconnect on
// failure rather than on a background ticker (RPC connections reconnect
// lazily, on the next call, since there is no subscription state to
// replay).
type zmqTransport struct {
	addr string

	mu        sync.Mutex
	sock      *zmq.Socket
	connected bool
}

func newZMQTransport(addr string) *zmqTransport {
	return &zmqTransport{addr: addr}
}

func (t *zmqTransport) ensureConnected() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return fmt.Errorf("create DEALER socket: %w", err)
	}
	if err := sock.SetIpv6(true); err != nil {
		_ = sock.Close()
		return fmt.Errorf("enable ipv6: %w", err)
	}
	if err := sock.Connect(t.addr); err != nil {
		_ = sock.Close()
		return fmt.Errorf("connect to %s: %w", t.addr, err)
	}
	t.sock = sock
	t.connected = true
	return nil
}

// call sends payload as a single-frame DEALER message and blocks for the
// reply, up to timeout. On any transport error the socket is torn down so
// the next call reconnects.
func (t *zmqTransport) call(payload []byte, timeout time.Duration) ([]byte, error) {
	if err := t.ensureConnected(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	sock := t.sock
	t.mu.Unlock()

	if _, err := sock.SendBytes(payload, 0); err != nil {
		t.markDisconnected()
		return nil, fmt.Errorf("send: %w", err)
	}

	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)
	polled, err := poller.Poll(timeout)
	if err != nil {
		t.markDisconnected()
		return nil, fmt.Errorf("poll: %w", err)
	}
	if len(polled) == 0 {
		t.markDisconnected()
		return nil, fmt.Errorf("rpc call to %s timed out after %s", t.addr, timeout)
	}

	reply, err := sock.RecvBytes(0)
	if err != nil {
		t.markDisconnected()
		return nil, fmt.Errorf("recv: %w", err)
	}
	return reply, nil
}

func (t *zmqTransport) markDisconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sock != nil {
		_ = t.sock.Close()
		t.sock = nil
	}
	t.connected = false
}

func (t *zmqTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sock == nil {
		return nil
	}
	err := t.sock.Close()
	t.sock = nil
	t.connected = false
	return err
}

// withDeadline derives timeout from ctx if it carries a deadline, else
// falls back to def.
func withDeadline(ctx context.Context, def time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return def
}
