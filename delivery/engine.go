package delivery

import (
	"context"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/hotaru-social/nostr-ap-bridge/types"
)

var tracer = otel.Tracer("delivery")

// InboxPoster performs one signed POST to a remote inbox.
type InboxPoster interface {
	PostToInbox(ctx context.Context, inbox string, object any, actor types.BridgedActor) error
}

// Report describes an (activity, inbox) pair that exhausted its retry
// budget. Exactly one Report is emitted per exhausted pair.
type Report struct {
	ActivityID string
	Inbox      string
	Attempts   int
	Err        error
}

// Engine fans an activity out to remote inboxes, one task per
// (activity, inbox) pair. Failed posts retry with capped exponential
// backoff; concurrent posts to one destination domain are bounded by a
// semaphore. The queue is in-memory only, a restart drops pending work.
type Engine struct {
	poster      InboxPoster
	attempts    int
	backoff     time.Duration
	backoffMax  time.Duration
	perDomain   int64
	onExhausted func(Report)

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted

	inflight keyedMutex
	wg       sync.WaitGroup
}

func NewEngine(poster InboxPoster, limits types.Limits, onExhausted func(Report)) *Engine {
	attempts := limits.DeliveryAttempts
	if attempts <= 0 {
		attempts = 5
	}
	backoff := time.Duration(limits.DeliveryBackoff) * time.Second
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	backoffMax := time.Duration(limits.DeliveryBackoffMax) * time.Second
	if backoffMax <= 0 {
		backoffMax = 5 * time.Minute
	}
	perDomain := int64(limits.DomainConcurrency)
	if perDomain <= 0 {
		perDomain = 4
	}
	if onExhausted == nil {
		onExhausted = func(r Report) {
			log.Printf("delivery of %s to %s dropped after %d attempts: %v", r.ActivityID, r.Inbox, r.Attempts, r.Err)
		}
	}

	return &Engine{
		poster:      poster,
		attempts:    attempts,
		backoff:     backoff,
		backoffMax:  backoffMax,
		perDomain:   perDomain,
		onExhausted: onExhausted,
		sems:        make(map[string]*semaphore.Weighted),
	}
}

// Deliver fans out one asynchronous task per inbox. It returns
// immediately; outcomes surface through the exhaustion callback.
func (e *Engine) Deliver(ctx context.Context, activityID string, activity any, actor types.BridgedActor, inboxes []string) {
	for _, inbox := range inboxes {
		e.wg.Add(1)
		go func(inbox string) {
			defer e.wg.Done()
			e.deliverOne(ctx, activityID, activity, actor, inbox)
		}(inbox)
	}
}

// Wait blocks until every in-flight task has finished. Used on shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) deliverOne(ctx context.Context, activityID string, activity any, actor types.BridgedActor, inbox string) {
	ctx, span := tracer.Start(ctx, "DeliverOne")
	defer span.End()

	// one task per pair at a time, late duplicates queue behind it
	unlock := e.inflight.Lock(activityID + "|" + inbox)
	defer unlock()

	sem := e.domainSemaphore(inbox)
	backoff := e.backoff

	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		err := e.poster.PostToInbox(ctx, inbox, activity, actor)
		sem.Release(1)

		if err == nil {
			if attempt > 1 {
				log.Printf("delivered %s to %s after %d attempts", activityID, inbox, attempt)
			}
			return
		}
		lastErr = err
		span.RecordError(err)

		if attempt == e.attempts {
			break
		}
		if !sleep(ctx, withJitter(backoff)) {
			return
		}
		if backoff *= 2; backoff > e.backoffMax {
			backoff = e.backoffMax
		}
	}

	e.onExhausted(Report{
		ActivityID: activityID,
		Inbox:      inbox,
		Attempts:   e.attempts,
		Err:        types.ErrDeliveryExhausted,
	})
	log.Printf("giving up on %s -> %s: %v", activityID, inbox, lastErr)
}

func (e *Engine) domainSemaphore(inbox string) *semaphore.Weighted {
	domain := inbox
	if u, err := url.Parse(inbox); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}

	e.semMu.Lock()
	defer e.semMu.Unlock()
	sem, ok := e.sems[domain]
	if !ok {
		sem = semaphore.NewWeighted(e.perDomain)
		e.sems[domain] = sem
	}
	return sem
}

func withJitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// keyedMutex hands out one mutex per string key, dropping entries once
// nothing holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
