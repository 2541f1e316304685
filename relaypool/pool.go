package relaypool

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("relaypool")

// State of a single relay connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	}
	return "disconnected"
}

// Relay is the slice of a relay connection the pool drives. Subscribe
// returns the event channel of a live subscription; the channel closing
// means the subscription died.
type Relay interface {
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error)
	Publish(ctx context.Context, event nostr.Event) error
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Close() error
}

// DialFunc opens a connection to a relay URL.
type DialFunc func(ctx context.Context, url string) (Relay, error)

// Connect is the production dialer.
func Connect(ctx context.Context, url string) (Relay, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &liveRelay{r}, nil
}

type liveRelay struct {
	relay *nostr.Relay
}

func (l *liveRelay) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	sub, err := l.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return sub.Events, nil
}

func (l *liveRelay) Publish(ctx context.Context, event nostr.Event) error {
	return l.relay.Publish(ctx, event)
}

func (l *liveRelay) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	return l.relay.QuerySync(ctx, filter)
}

func (l *liveRelay) Close() error {
	return l.relay.Close()
}

// SeenFunc reports whether an event id was already processed, marking it
// as such. The shared dedup index behind it makes "first relay wins"
// hold across the whole pool.
type SeenFunc func(ctx context.Context, id string) (bool, error)

// Pool maintains one subscription per configured relay and funnels
// deduplicated events into a single channel. Filters survive reconnects
// unchanged.
type Pool struct {
	relays     []string
	filters    nostr.Filters
	seen       SeenFunc
	dial       DialFunc
	backoffMax time.Duration

	events chan *nostr.Event

	mu     sync.Mutex
	states map[string]State
	conns  map[string]Relay
}

func NewPool(relays []string, filters nostr.Filters, seen SeenFunc, dial DialFunc, backoffMax time.Duration) *Pool {
	if backoffMax <= 0 {
		backoffMax = 5 * time.Minute
	}
	return &Pool{
		relays:     relays,
		filters:    filters,
		seen:       seen,
		dial:       dial,
		backoffMax: backoffMax,
		events:     make(chan *nostr.Event, 256),
		states:     make(map[string]State),
		conns:      make(map[string]Relay),
	}
}

// Events is the funnel of deduplicated inbound events.
func (p *Pool) Events() <-chan *nostr.Event {
	return p.events
}

// Run drives all relay connections until ctx is done, then closes the
// event funnel.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, url := range p.relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			p.runRelay(ctx, url)
		}(url)
	}
	wg.Wait()
	close(p.events)
}

func (p *Pool) setState(url string, s State) {
	p.mu.Lock()
	p.states[url] = s
	p.mu.Unlock()
}

func (p *Pool) setConn(url string, r Relay) {
	p.mu.Lock()
	if r == nil {
		delete(p.conns, url)
	} else {
		p.conns[url] = r
	}
	p.mu.Unlock()
}

// Status snapshots each relay's connection state.
func (p *Pool) Status() map[string]State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]State, len(p.states))
	for k, v := range p.states {
		out[k] = v
	}
	return out
}

func (p *Pool) runRelay(ctx context.Context, url string) {
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			p.setState(url, StateDisconnected)
			return
		}

		p.setState(url, StateConnecting)
		relay, err := p.dial(ctx, url)
		if err != nil {
			log.Printf("relay %s: connect failed: %v", url, err)
			p.setState(url, StateDegraded)
			if !sleep(ctx, withJitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, p.backoffMax)
			continue
		}

		events, err := relay.Subscribe(ctx, p.filters)
		if err != nil {
			log.Printf("relay %s: subscribe failed: %v", url, err)
			relay.Close()
			p.setState(url, StateDegraded)
			if !sleep(ctx, withJitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, p.backoffMax)
			continue
		}

		p.setState(url, StateSubscribed)
		p.setConn(url, relay)
		backoff = time.Second

		p.consume(ctx, url, events)

		p.setConn(url, nil)
		relay.Close()
		if ctx.Err() != nil {
			p.setState(url, StateDisconnected)
			return
		}

		log.Printf("relay %s: subscription lost, reconnecting", url)
		p.setState(url, StateDegraded)
		if !sleep(ctx, withJitter(backoff)) {
			return
		}
		backoff = nextBackoff(backoff, p.backoffMax)
	}
}

// consume drains one subscription until it dies or ctx is done. Events
// already recorded by the dedup index are dropped here; the first relay
// to deliver an id wins.
func (p *Pool) consume(ctx context.Context, url string, events <-chan *nostr.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev == nil {
				continue
			}
			seen, err := p.seen(ctx, ev.ID)
			if err != nil {
				log.Printf("relay %s: dedup check failed for %s: %v", url, ev.ID, err)
			}
			if seen {
				continue
			}
			select {
			case p.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Publish broadcasts an event to every currently subscribed relay.
// Per-relay failures are logged, not propagated; the event is accepted
// as soon as one relay takes it.
func (p *Pool) Publish(ctx context.Context, event nostr.Event) (int, error) {
	ctx, span := tracer.Start(ctx, "PoolPublish")
	defer span.End()

	p.mu.Lock()
	conns := make(map[string]Relay, len(p.conns))
	for url, conn := range p.conns {
		conns[url] = conn
	}
	p.mu.Unlock()

	accepted := 0
	for url, conn := range conns {
		if err := conn.Publish(ctx, event); err != nil {
			log.Printf("relay %s: publish %s failed: %v", url, event.ID, err)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return 0, errors.New("no relay accepted the event")
	}
	return accepted, nil
}

// QueryEvent asks the subscribed relays for a single event by id.
func (p *Pool) QueryEvent(ctx context.Context, id string) (*nostr.Event, error) {
	ctx, span := tracer.Start(ctx, "PoolQueryEvent")
	defer span.End()

	p.mu.Lock()
	conns := make([]Relay, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	filter := nostr.Filter{IDs: []string{id}, Limit: 1}
	for _, conn := range conns {
		evs, err := conn.QuerySync(ctx, filter)
		if err != nil || len(evs) == 0 {
			continue
		}
		return evs[0], nil
	}
	return nil, errors.Errorf("event %s not found on any relay", id)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
