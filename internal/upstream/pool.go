// Package upstream owns the outbound authenticated connections to the
// worker service. Connections are pooled by credential: every browser
// socket presenting the same token shares one worker session, so the
// worker sees one authentication handshake per user regardless of how
// many tabs are open.
package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/outboundlab/authrelay/internal/logx"
	"github.com/outboundlab/authrelay/internal/secret"
	"github.com/outboundlab/authrelay/internal/state"
)

// Sink receives worker events for delivery to browser clients. It is
// satisfied by rooms.Registry.
type Sink interface {
	Broadcast(room string, payload []byte) int
	BroadcastGlobal(payload []byte) int
}

// DialFunc establishes an authenticated websocket session with the
// worker service. Tests inject a fake.
type DialFunc func(ctx context.Context, baseURL, token string) (Transport, error)

// Options configures the pool.
type Options struct {
	// WorkerURL is the worker service base URL, e.g. ws://worker:4000.
	WorkerURL string
	// ReconnectDelay is the fixed wait between dial attempts.
	ReconnectDelay time.Duration
	// MaxAttempts bounds consecutive failed dials before the pool entry
	// is abandoned.
	MaxAttempts int
	// Dial defaults to DialWorker.
	Dial DialFunc
}

const (
	defaultReconnectDelay = 2 * time.Second
	defaultMaxAttempts    = 10
)

// Pool deduplicates upstream connections by credential.
type Pool struct {
	opts  Options
	sink  Sink
	store state.Store

	mu     sync.Mutex
	conns  map[string]*Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool constructs a pool. sink and store must be non-nil.
func NewPool(opts Options, sink Sink, store state.Store) *Pool {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Dial == nil {
		opts.Dial = DialWorker
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		opts:   opts,
		sink:   sink,
		store:  store,
		conns:  make(map[string]*Conn),
		ctx:    ctx,
		cancel: cancel,
	}
}

// GetOrCreate returns the live connection for credential, creating one if
// none exists. The caller holds one reference on the returned connection
// and must pair this call with Release. Never blocks on I/O and never
// fails: a freshly created connection dials in the background and reports
// readiness through its Connected flag.
func (p *Pool) GetOrCreate(credential string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[credential]; ok {
		c.refs++
		return c
	}
	c := &Conn{
		pool:        p,
		credential:  credential,
		fingerprint: secret.Fingerprint(credential),
		refs:        1,
		send:        make(chan []byte, 32),
	}
	ctx, cancel := context.WithCancel(p.ctx)
	c.cancelRun = cancel
	p.conns[credential] = c
	logx.Log.Debug().Str("upstream", c.fingerprint).Str("token", secret.Mask(credential)).Msg("pooling upstream connection")
	go c.run(ctx)
	return c
}

// Release drops one client reference. When the last reference goes and
// the transport is already gone, the entry is torn down; a still-live
// transport is closed as well since nobody is listening.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	c.refs--
	idle := c.refs <= 0
	if idle {
		if cur, ok := p.conns[c.credential]; ok && cur == c {
			delete(p.conns, c.credential)
		}
	}
	p.mu.Unlock()
	if idle {
		c.cancelRun()
	}
}

// evict removes c from the pool if it is still the registered entry for
// its credential.
func (p *Pool) evict(c *Conn) {
	p.mu.Lock()
	if cur, ok := p.conns[c.credential]; ok && cur == c {
		delete(p.conns, c.credential)
	}
	p.mu.Unlock()
}

// idle reports whether c has no client references left.
func (p *Pool) idle(c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.refs <= 0
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close tears down every pooled connection.
func (p *Pool) Close() {
	p.cancel()
}
