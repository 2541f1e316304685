package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/hotaru-social/nostr-ap-bridge/types"
)

var tracer = otel.Tracer("cache")

const (
	// ActorTTL bounds how long a remote actor document is served from
	// cache before a re-fetch.
	ActorTTL = int32(1800)

	// ProfileTTL bounds recently-resolved relay profile metadata.
	ProfileTTL = int32(600)

	actorPrefix   = "actor:"
	profilePrefix = "profile:"
	dedupPrefix   = "dedup:"
)

// Cache fronts the persistent store with two bounded layers: memcached
// for documents (actors, profiles) and redis for the dedup index, whose
// retention window is enforced with key expiry.
type Cache struct {
	mc        *memcache.Client
	rdb       *redis.Client
	retention time.Duration
}

func NewCache(mc *memcache.Client, rdb *redis.Client, retention time.Duration) *Cache {
	return &Cache{
		mc:        mc,
		rdb:       rdb,
		retention: retention,
	}
}

// GetActor returns a cached remote actor document, if present.
func (c *Cache) GetActor(actorURL string) (*types.RawApObj, bool) {
	item, err := c.mc.Get(actorPrefix + actorURL)
	if err != nil {
		return nil, false
	}
	obj, err := types.LoadAsRawApObj(item.Value)
	if err != nil {
		return nil, false
	}
	return obj, true
}

// SetActor caches a remote actor document for ActorTTL.
func (c *Cache) SetActor(actorURL string, body []byte) {
	_ = c.mc.Set(&memcache.Item{
		Key:        actorPrefix + actorURL,
		Value:      body,
		Expiration: ActorTTL,
	})
}

// InvalidateActor drops a cached actor document. Used after a signature
// verification failure so the next fetch observes a rotated key.
func (c *Cache) InvalidateActor(actorURL string) {
	_ = c.mc.Delete(actorPrefix + actorURL)
}

// GetProfile returns recently-resolved profile metadata for a pubkey.
func (c *Cache) GetProfile(pubkey string) (*types.ProfileMetadata, bool) {
	item, err := c.mc.Get(profilePrefix + pubkey)
	if err != nil {
		return nil, false
	}
	var meta types.ProfileMetadata
	if err := json.Unmarshal(item.Value, &meta); err != nil {
		return nil, false
	}
	return &meta, true
}

// SetProfile caches profile metadata for ProfileTTL.
func (c *Cache) SetProfile(pubkey string, meta types.ProfileMetadata) {
	body, err := json.Marshal(meta)
	if err != nil {
		return
	}
	_ = c.mc.Set(&memcache.Item{
		Key:        profilePrefix + pubkey,
		Value:      body,
		Expiration: ProfileTTL,
	})
}

// Seen records id in the dedup index and reports whether it was already
// present within the retention window. The SET NX round trip is atomic,
// so concurrent observers of the same id agree on exactly one first
// sighting. A redis outage reports the id as unseen: the pipeline
// behind the index is idempotent, and dropping an event on an outage
// would violate the no-false-negative rule the other way around.
func (c *Cache) Seen(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "CacheSeen")
	defer span.End()

	fresh, err := c.rdb.SetNX(ctx, dedupPrefix+id, time.Now().Unix(), c.retention).Result()
	if err != nil {
		span.RecordError(err)
		return false, nil
	}
	return !fresh, nil
}

// Forget removes an id from the dedup index. Used when processing hit
// an infrastructure outage, so a later duplicate gets another shot.
func (c *Cache) Forget(ctx context.Context, id string) {
	ctx, span := tracer.Start(ctx, "CacheForget")
	defer span.End()

	_ = c.rdb.Del(ctx, dedupPrefix+id).Err()
}
