package delivery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/hotaru-social/nostr-ap-bridge/types"
)

// plainPoster posts without signing, enough to exercise the engine
// against httptest servers.
type plainPoster struct{}

func (plainPoster) PostToInbox(ctx context.Context, inbox string, object any, actor types.BridgedActor) error {
	req, err := http.NewRequestWithContext(ctx, "POST", inbox, strings.NewReader("{}"))
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(types.ErrTransportTransient, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("error posting to inbox: %d", resp.StatusCode)
	}
	return nil
}

func fastLimits(attempts int) types.Limits {
	return types.Limits{
		DeliveryAttempts:   attempts,
		DeliveryBackoff:    1, // seconds; tests override per-engine below
		DeliveryBackoffMax: 1,
		DomainConcurrency:  4,
	}
}

// shrinkBackoff drops the retry delays to something a test can wait for.
func shrinkBackoff(e *Engine) *Engine {
	e.backoff = 5 * time.Millisecond
	e.backoffMax = 10 * time.Millisecond
	return e
}

func TestDeliverySucceedsAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	var reports []Report
	var mu sync.Mutex
	engine := shrinkBackoff(NewEngine(plainPoster{}, fastLimits(5), func(r Report) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}))

	engine.Deliver(context.Background(), "activity-1", nil, types.BridgedActor{}, []string{srv.URL + "/inbox"})
	engine.Wait()

	if got := hits.Load(); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 0 {
		t.Errorf("successful delivery reported exhaustion: %v", reports)
	}
}

func TestDeliveryExhaustsAfterCeiling(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var reports []Report
	var mu sync.Mutex
	engine := shrinkBackoff(NewEngine(plainPoster{}, fastLimits(3), func(r Report) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}))

	engine.Deliver(context.Background(), "activity-2", nil, types.BridgedActor{}, []string{srv.URL + "/inbox"})
	engine.Wait()

	if got := hits.Load(); got != 3 {
		t.Errorf("server saw %d requests, want exactly the ceiling of 3", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 {
		t.Fatalf("got %d exhaustion reports, want exactly 1", len(reports))
	}
	if !errors.Is(reports[0].Err, types.ErrDeliveryExhausted) {
		t.Errorf("report error = %v", reports[0].Err)
	}
	if reports[0].Attempts != 3 {
		t.Errorf("report attempts = %d", reports[0].Attempts)
	}
}

func TestDeliveryFansOutPerInbox(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	engine := shrinkBackoff(NewEngine(plainPoster{}, fastLimits(3), nil))
	engine.Deliver(context.Background(), "activity-3", nil, types.BridgedActor{}, []string{
		srv.URL + "/inbox/a",
		srv.URL + "/inbox/b",
		srv.URL + "/inbox/c",
	})
	engine.Wait()

	if got := hits.Load(); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}
}

func TestDomainConcurrencyCap(t *testing.T) {
	var current, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := current.Add(1)
		for {
			p := peak.Load()
			if now <= p || peak.CompareAndSwap(p, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	limits := fastLimits(1)
	limits.DomainConcurrency = 2
	engine := shrinkBackoff(NewEngine(plainPoster{}, limits, nil))

	var inboxes []string
	for i := 0; i < 8; i++ {
		inboxes = append(inboxes, fmt.Sprintf("%s/inbox/%d", srv.URL, i))
	}
	engine.Deliver(context.Background(), "activity-4", nil, types.BridgedActor{}, inboxes)
	engine.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("observed %d concurrent requests to one domain, cap is 2", p)
	}
}

func TestDeliveryStopsOnContextCancel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var reports atomic.Int32
	engine := NewEngine(plainPoster{}, fastLimits(10), func(Report) {
		reports.Add(1)
	})
	engine.backoff = time.Hour // cancellation must cut the wait short
	engine.backoffMax = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	engine.Deliver(ctx, "activity-5", nil, types.BridgedActor{}, []string{srv.URL + "/inbox"})

	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on cancellation")
	}

	if got := hits.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1 before cancellation", got)
	}
	if reports.Load() != 0 {
		t.Errorf("cancelled delivery reported exhaustion")
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	var km keyedMutex
	var inCritical atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("same")
			defer unlock()
			if inCritical.Add(1) != 1 {
				t.Error("two holders inside the same key")
			}
			time.Sleep(time.Millisecond)
			inCritical.Add(-1)
		}()
	}
	wg.Wait()

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Errorf("%d lock entries leaked", len(km.locks))
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	var km keyedMutex
	unlockA := km.Lock("a")

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked")
	}
	unlockA()
}
