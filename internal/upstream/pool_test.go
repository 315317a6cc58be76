package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/outboundlab/authrelay/internal/state"
	"github.com/outboundlab/authrelay/internal/wire"
)

type fakeTransport struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 8),
		out:  make(chan []byte, 8),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, errors.New("transport closed")
	case data := <-t.in:
		return data, nil
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errors.New("transport closed")
	case t.out <- data:
		return nil
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failFirst  int
	transports []*fakeTransport
}

func (d *fakeDialer) dial(ctx context.Context, baseURL, token string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failFirst {
		return nil, errors.New("dial refused")
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type recordSink struct {
	mu     sync.Mutex
	rooms  []string
	global int
	frames [][]byte
}

func (s *recordSink) Broadcast(room string, payload []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = append(s.rooms, room)
	s.frames = append(s.frames, payload)
	return 1
}

func (s *recordSink) BroadcastGlobal(payload []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global++
	s.frames = append(s.frames, payload)
	return 1
}

func newTestPool(d *fakeDialer) (*Pool, *recordSink, *state.MemoryStore) {
	sink := &recordSink{}
	store := state.NewMemoryStore()
	p := NewPool(Options{
		WorkerURL:      "ws://worker.test",
		ReconnectDelay: 10 * time.Millisecond,
		MaxAttempts:    3,
		Dial:           d.dial,
	}, sink, store)
	return p, sink, store
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestGetOrCreateSharesByCredential(t *testing.T) {
	d := &fakeDialer{}
	p, _, _ := newTestPool(d)
	defer p.Close()

	a := p.GetOrCreate("token-a")
	b := p.GetOrCreate("token-a")
	if a != b {
		t.Fatalf("same credential returned distinct connections")
	}
	waitFor(t, a.Connected, "connect")
	if got := d.count(); got != 1 {
		t.Fatalf("dials = %d; want 1", got)
	}
	if got := p.Len(); got != 1 {
		t.Fatalf("pool size = %d; want 1", got)
	}
}

func TestGetOrCreateIsolatesCredentials(t *testing.T) {
	d := &fakeDialer{}
	p, _, _ := newTestPool(d)
	defer p.Close()

	a := p.GetOrCreate("token-a")
	b := p.GetOrCreate("token-b")
	if a == b {
		t.Fatalf("distinct credentials share a connection")
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("distinct credentials share a fingerprint")
	}
	if got := p.Len(); got != 2 {
		t.Fatalf("pool size = %d; want 2", got)
	}
}

func TestFreshConnectionAfterTeardown(t *testing.T) {
	d := &fakeDialer{}
	p, _, _ := newTestPool(d)
	defer p.Close()

	a := p.GetOrCreate("token-a")
	waitFor(t, a.Connected, "connect")
	p.Release(a)
	waitFor(t, func() bool { return p.Len() == 0 }, "eviction")

	b := p.GetOrCreate("token-a")
	if a == b {
		t.Fatalf("got stale handle after teardown")
	}
	waitFor(t, b.Connected, "reconnect")
}

func TestReconnectKeepsHandleWhileReferenced(t *testing.T) {
	d := &fakeDialer{}
	p, _, store := newTestPool(d)
	defer p.Close()

	a := p.GetOrCreate("token-a")
	waitFor(t, a.Connected, "connect")
	_ = d.last().Close()
	waitFor(t, func() bool { return d.count() >= 2 && a.Connected() }, "reconnect")
	if got := p.Len(); got != 1 {
		t.Fatalf("pool size = %d after reconnect; want 1", got)
	}
	if len(store.Snapshot().Upstreams) != 1 {
		t.Fatalf("state lost upstream across reconnect")
	}
	p.Release(a)
}

func TestDialBudgetExhaustedEvicts(t *testing.T) {
	d := &fakeDialer{failFirst: 1000}
	p, _, _ := newTestPool(d)
	defer p.Close()

	a := p.GetOrCreate("token-a")
	waitFor(t, func() bool { return p.Len() == 0 }, "eviction after failed dials")
	if got := d.count(); got != 3 {
		t.Fatalf("dials = %d; want 3 (budget)", got)
	}
	if a.Connected() {
		t.Fatalf("abandoned connection reports connected")
	}
}

func TestForwardWhileDisconnected(t *testing.T) {
	d := &fakeDialer{failFirst: 1000}
	p, _, _ := newTestPool(d)
	defer p.Close()

	a := p.GetOrCreate("token-a")
	if err := a.Forward(wire.EventJoinRoom, []byte(`{"event":"join-room"}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Forward while down = %v; want ErrNotConnected", err)
	}
}

func TestForwardReachesWorker(t *testing.T) {
	d := &fakeDialer{}
	p, _, _ := newTestPool(d)
	defer p.Close()

	a := p.GetOrCreate("token-a")
	waitFor(t, a.Connected, "connect")
	frame := []byte(`{"event":"join-room","data":{"integrationId":"42"}}`)
	if err := a.Forward(wire.EventJoinRoom, frame); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	tr := d.last()
	select {
	case got := <-tr.out:
		if string(got) != string(frame) {
			t.Fatalf("worker received %s; want %s", got, frame)
		}
	case <-time.After(time.Second):
		t.Fatalf("worker received nothing")
	}
}

func TestUpstreamEventsRouted(t *testing.T) {
	d := &fakeDialer{}
	p, sink, store := newTestPool(d)
	defer p.Close()

	a := p.GetOrCreate("token-a")
	waitFor(t, a.Connected, "connect")
	tr := d.last()

	tr.in <- []byte(`{"event":"auth:progress","data":{"integrationId":"42","step":"captcha"}}`)
	tr.in <- []byte(`{"event":"debug-url","data":{"integrationId":"42","url":"https://x"}}`)
	tr.in <- []byte(`{"event":"mock-auth-ack","data":{"ok":true}}`)
	tr.in <- []byte(`{"event":"auth:progress","data":{"step":"orphan"}}`) // no integrationId, dropped
	tr.in <- []byte(`not json`)

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.rooms) == 2 && sink.global == 1
	}, "event routing")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, room := range sink.rooms {
		if room != "integration:42" {
			t.Fatalf("event routed to %q; want integration:42", room)
		}
	}
	if got := store.Snapshot().Integrations["42"]; got != "captcha" {
		t.Fatalf("recorded step = %q; want captcha", got)
	}
}

func TestReferenceCounting(t *testing.T) {
	d := &fakeDialer{}
	p, _, _ := newTestPool(d)
	defer p.Close()

	a := p.GetOrCreate("token-a")
	b := p.GetOrCreate("token-a")
	waitFor(t, a.Connected, "connect")

	p.Release(a)
	time.Sleep(50 * time.Millisecond)
	if got := p.Len(); got != 1 {
		t.Fatalf("pool dropped entry while a reference remains")
	}
	if !b.Connected() {
		t.Fatalf("connection closed while a reference remains")
	}

	p.Release(b)
	waitFor(t, func() bool { return p.Len() == 0 }, "teardown at zero references")
}
