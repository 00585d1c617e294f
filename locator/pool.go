package locator

import (
	"sync"
	"time"

	"mooncake-conductor/common"
)

// connPool owns one transport per master address, reused across lookups.
// Connect is idempotent: if the pool already holds a transport for addr
// and a cheap service_ready probe against it still succeeds, it is
// reused; otherwise a fresh transport replaces it. A mutex guards the
// reuse-or-reopen decision per operation rather than being held across
// the RPC itself.
type connPool struct {
	transports common.SyncMap[string, transport]
	mu         sync.Mutex // serializes Connect's reuse-or-reopen decision per addr

	readyTimeout time.Duration
	newTransport func(addr string) transport
}

func newConnPool(readyTimeout time.Duration) *connPool {
	return &connPool{
		readyTimeout: readyTimeout,
		newTransport: func(addr string) transport { return newZMQTransport(addr) },
	}
}

// Connect returns a ready-to-use transport for addr, reusing a pooled one
// when its service_ready probe still succeeds.
func (p *connPool) Connect(addr string) (transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.transports.Load(addr); ok {
		if p.probe(existing) {
			return existing, nil
		}
		_ = existing.close()
		p.transports.Delete(addr)
	}

	t := p.newTransport(addr)
	p.transports.Store(addr, t)
	return t, nil
}

func (p *connPool) probe(t transport) bool {
	req, err := encodeServiceReadyRequest()
	if err != nil {
		return false
	}
	_, err = t.call(req, p.readyTimeout)
	return err == nil
}

// Close tears down every pooled transport.
func (p *connPool) Close() {
	p.transports.Range(func(addr string, t transport) bool {
		_ = t.close()
		return true
	})
}
