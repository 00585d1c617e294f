package locator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"mooncake-conductor/conderr"
)

const (
	defaultRPCTimeout   = 500 * time.Millisecond
	defaultReadyTimeout = 200 * time.Millisecond
	defaultCacheSize    = 100_000
	defaultCacheTTL     = 2 * time.Second
	defaultFanOut       = 16
)

// Client is the object locator client: a connection pool keyed by master
// address, fronted by an LRU cache of recent successful lookups. Only
// successes are cached — an RPC_FAIL result must never be served stale,
// since the next attempt might reach a healthy replica.
type Client struct {
	masterAddr string
	pool       *connPool
	cache      *lru.Cache[uint64, cacheEntry]
	rpcTimeout time.Duration
}

// cacheKey hashes a physical key into the LRU cache's lookup key, avoiding
// one string-copy-per-entry versus caching on the raw key directly;
// physical keys can be long (they carry a model name and a hex block
// hash) and are looked up far more often than they change.
func cacheKey(key string) uint64 { return xxhash.Sum64String(key) }

type cacheEntry struct {
	resp    GetReplicaListResponse
	cleared time.Time
}

// NewClient constructs a client targeting the given master address.
func NewClient(masterAddr string) (*Client, error) {
	cache, err := lru.New[uint64, cacheEntry](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &Client{
		masterAddr: masterAddr,
		pool:       newConnPool(defaultReadyTimeout),
		cache:      cache,
		rpcTimeout: defaultRPCTimeout,
	}, nil
}

// newClientWithTransport builds a client whose connection pool manufactures
// transports via newTransport instead of real DEALER sockets. Used by
// tests to exercise the cache/fan-out/pooling logic without ZMQ.
func newClientWithTransport(masterAddr string, newTransport func(addr string) transport) (*Client, error) {
	c, err := NewClient(masterAddr)
	if err != nil {
		return nil, err
	}
	c.pool.newTransport = newTransport
	return c, nil
}

// Close tears down every pooled connection.
func (c *Client) Close() { c.pool.Close() }

// GetReplicaList looks up a single key, preferring a cached successful
// response no older than defaultCacheTTL.
func (c *Client) GetReplicaList(ctx context.Context, key string) LookupResult {
	if entry, ok := c.cache.Get(cacheKey(key)); ok && time.Since(entry.cleared) < defaultCacheTTL {
		return LookupResult{Response: entry.resp, Code: ErrNone}
	}

	t, err := c.pool.Connect(c.masterAddr)
	if err != nil {
		return c.rpcFail(key, err)
	}

	req, err := encodeGetRequest(key)
	if err != nil {
		return LookupResult{Code: ErrRPCFail, Err: conderr.Wrap(conderr.SerializationError, "encode get_replica_list request", err)}
	}

	reply, err := t.call(req, withDeadline(ctx, c.rpcTimeout))
	if err != nil {
		return c.rpcFail(key, err)
	}

	wireResp, err := decodeResponse(reply)
	if err != nil {
		return LookupResult{Code: ErrRPCFail, Err: conderr.Wrap(conderr.MalformedResponse, "decode get_replica_list response", err)}
	}

	resp := fromWireResponse(wireResp)
	c.cache.Add(cacheKey(key), cacheEntry{resp: resp, cleared: time.Now()})
	return LookupResult{Response: resp, Code: ErrNone}
}

func (c *Client) rpcFail(key string, cause error) LookupResult {
	slog.Warn("object locator rpc failed", "key", key, "master_addr", c.masterAddr, "error", cause)
	return LookupResult{Code: ErrRPCFail, Err: conderr.Wrap(conderr.RPCFail, "object locator unreachable", cause)}
}

// BatchGetReplicaList looks up every key, fanning out with bounded
// parallelism. The result slice is always the same length as keys,
// positionally aligned; a transport failure affecting the whole batch
// still yields one RPC_FAIL entry per key rather than a single error.
func (c *Client) BatchGetReplicaList(ctx context.Context, keys []string) []LookupResult {
	results := make([]LookupResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultFanOut)

	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			results[i] = c.GetReplicaList(gctx, key)
			return nil
		})
	}
	// Errors are carried per-result, not via the group: a single key's
	// RPC failure must not cancel the sibling lookups still in flight.
	_ = g.Wait()
	return results
}
