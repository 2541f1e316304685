package relaypool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
)

type fakeRelay struct {
	mu         sync.Mutex
	filters    []nostr.Filters
	events     chan *nostr.Event
	published  []nostr.Event
	publishErr error
	stored     map[string]*nostr.Event
	closed     bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		events: make(chan *nostr.Event, 16),
		stored: make(map[string]*nostr.Event),
	}
}

func (f *fakeRelay) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filters)
	return f.events, nil
}

func (f *fakeRelay) Publish(ctx context.Context, event nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, event)
	return nil
}

func (f *fakeRelay) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*nostr.Event
	for _, id := range filter.IDs {
		if ev, ok := f.stored[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeRelay) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRelay) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filters)
}

// memorySeen is an in-memory stand-in for the shared dedup index.
func memorySeen() SeenFunc {
	var mu sync.Mutex
	ids := make(map[string]bool)
	return func(ctx context.Context, id string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if ids[id] {
			return true, nil
		}
		ids[id] = true
		return false, nil
	}
}

func dialerFor(relays map[string]*fakeRelay) DialFunc {
	return func(ctx context.Context, url string) (Relay, error) {
		r, ok := relays[url]
		if !ok {
			return nil, errors.Errorf("unknown relay %s", url)
		}
		return r, nil
	}
}

func waitSubscribed(t *testing.T, p *Pool, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n := 0
		for _, s := range p.Status() {
			if s == StateSubscribed {
				n++
			}
		}
		if n >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pool never reached %d subscribed relays: %v", want, p.Status())
}

func testEvent(t *testing.T, content string) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	ev := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindTextNote,
		Content:   content,
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &ev
}

func TestPoolDeduplicatesAcrossRelays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayA := newFakeRelay()
	relayB := newFakeRelay()
	relays := map[string]*fakeRelay{"wss://a": relayA, "wss://b": relayB}

	pool := NewPool([]string{"wss://a", "wss://b"}, nil, memorySeen(), dialerFor(relays), time.Second)
	go pool.Run(ctx)
	waitSubscribed(t, pool, 2)

	ev := testEvent(t, "seen twice, processed once")
	relayA.events <- ev
	relayB.events <- ev

	select {
	case got := <-pool.Events():
		if got.ID != ev.ID {
			t.Fatalf("got event %s, want %s", got.ID, ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event came through the funnel")
	}

	select {
	case got := <-pool.Events():
		t.Fatalf("duplicate slipped through: %s", got.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPoolReconnectPreservesFilters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newFakeRelay()
	filters := nostr.Filters{{Kinds: []int{nostr.KindTextNote, nostr.KindReaction}}}

	pool := NewPool([]string{"wss://a"}, filters, memorySeen(), dialerFor(map[string]*fakeRelay{"wss://a": relay}), time.Second)
	go pool.Run(ctx)
	waitSubscribed(t, pool, 1)

	// kill the subscription, the pool must come back with the same filters
	close(relay.events)
	relay.mu.Lock()
	relay.events = make(chan *nostr.Event, 16)
	relay.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for relay.subscribeCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if relay.subscribeCount() < 2 {
		t.Fatal("pool never resubscribed")
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	first, second := relay.filters[0], relay.filters[1]
	if len(first) != len(second) || len(second[0].Kinds) != 2 {
		t.Fatalf("resubscription changed filters: %v -> %v", first, second)
	}
	for i, k := range first[0].Kinds {
		if second[0].Kinds[i] != k {
			t.Fatalf("resubscription changed kinds: %v -> %v", first[0].Kinds, second[0].Kinds)
		}
	}
}

func TestPublishToleratesPartialFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthy := newFakeRelay()
	broken := newFakeRelay()
	broken.publishErr = errors.New("write: broken pipe")

	pool := NewPool([]string{"wss://a", "wss://b"}, nil, memorySeen(),
		dialerFor(map[string]*fakeRelay{"wss://a": healthy, "wss://b": broken}), time.Second)
	go pool.Run(ctx)
	waitSubscribed(t, pool, 2)

	ev := testEvent(t, "broadcast")
	accepted, err := pool.Publish(ctx, *ev)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want 1", accepted)
	}

	healthy.mu.Lock()
	defer healthy.mu.Unlock()
	if len(healthy.published) != 1 {
		t.Errorf("healthy relay got %d events, want 1", len(healthy.published))
	}
}

func TestPublishAllFailedIsAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broken := newFakeRelay()
	broken.publishErr = errors.New("write: broken pipe")

	pool := NewPool([]string{"wss://a"}, nil, memorySeen(),
		dialerFor(map[string]*fakeRelay{"wss://a": broken}), time.Second)
	go pool.Run(ctx)
	waitSubscribed(t, pool, 1)

	if _, err := pool.Publish(ctx, *testEvent(t, "nope")); err == nil {
		t.Error("Publish with no accepting relay did not error")
	}
}

func TestQueryEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newFakeRelay()
	ev := testEvent(t, "stored")
	relay.stored[ev.ID] = ev

	pool := NewPool([]string{"wss://a"}, nil, memorySeen(),
		dialerFor(map[string]*fakeRelay{"wss://a": relay}), time.Second)
	go pool.Run(ctx)
	waitSubscribed(t, pool, 1)

	got, err := pool.QueryEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("QueryEvent: %v", err)
	}
	if got.ID != ev.ID {
		t.Errorf("got %s, want %s", got.ID, ev.ID)
	}

	if _, err := pool.QueryEvent(ctx, "missing"); err == nil {
		t.Error("QueryEvent for an unknown id did not error")
	}
}

func TestNextBackoffIsBounded(t *testing.T) {
	max := 30 * time.Second
	b := time.Second
	for i := 0; i < 10; i++ {
		b = nextBackoff(b, max)
		if b > max {
			t.Fatalf("backoff exceeded max: %v", b)
		}
	}
	if b != max {
		t.Errorf("backoff never reached max, got %v", b)
	}
}
