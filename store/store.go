package store

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/hotaru-social/nostr-ap-bridge/types"
)

var tracer = otel.Tracer("store")

// Store is the persistent layer: identity mappings, follower sets and
// object cross references, partitioned by record kind into tables.
type Store struct {
	db *gorm.DB
}

// NewStore returns a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// wrapDBErr maps gorm's not-found to types.ErrNotFound and everything
// else to types.ErrStoreUnavailable so callers never mistake an outage
// for an absent row.
func wrapDBErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ErrNotFound
	}
	return errors.Wrap(types.ErrStoreUnavailable, err.Error())
}

// GetActorByID returns a bridged actor by its npub id.
func (s *Store) GetActorByID(ctx context.Context, id string) (types.BridgedActor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorByID")
	defer span.End()

	var actor types.BridgedActor
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&actor)
	return actor, wrapDBErr(result.Error)
}

// GetActorByPubkey returns a bridged actor by its hex nostr pubkey.
func (s *Store) GetActorByPubkey(ctx context.Context, pubkey string) (types.BridgedActor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorByPubkey")
	defer span.End()

	var actor types.BridgedActor
	result := s.db.WithContext(ctx).Where("pubkey = ?", pubkey).First(&actor)
	return actor, wrapDBErr(result.Error)
}

// CreateActor persists a freshly materialized actor.
func (s *Store) CreateActor(ctx context.Context, actor types.BridgedActor) (types.BridgedActor, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateActor")
	defer span.End()

	result := s.db.WithContext(ctx).Create(&actor)
	return actor, wrapDBErr(result.Error)
}

// UpdateActorProfile refreshes the profile fields copied from a relay
// metadata event. The key pair is never touched here.
func (s *Store) UpdateActorProfile(ctx context.Context, id, name, summary, iconURL string) error {
	ctx, span := tracer.Start(ctx, "StoreUpdateActorProfile")
	defer span.End()

	result := s.db.WithContext(ctx).Model(&types.BridgedActor{}).Where("id = ?", id).
		Updates(map[string]any{"name": name, "summary": summary, "icon_url": iconURL})
	return wrapDBErr(result.Error)
}

// GetRemoteActor returns the derived nostr identity for a remote AP actor.
func (s *Store) GetRemoteActor(ctx context.Context, actorURL string) (types.RemoteActor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetRemoteActor")
	defer span.End()

	var remote types.RemoteActor
	result := s.db.WithContext(ctx).Where("actor_url = ?", actorURL).First(&remote)
	return remote, wrapDBErr(result.Error)
}

// GetRemoteActorByPubkey resolves the reverse mapping.
func (s *Store) GetRemoteActorByPubkey(ctx context.Context, pubkey string) (types.RemoteActor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetRemoteActorByPubkey")
	defer span.End()

	var remote types.RemoteActor
	result := s.db.WithContext(ctx).Where("derived_pubkey = ?", pubkey).First(&remote)
	return remote, wrapDBErr(result.Error)
}

// UpsertRemoteActor persists or refreshes a derived identity record.
func (s *Store) UpsertRemoteActor(ctx context.Context, remote types.RemoteActor) (types.RemoteActor, error) {
	ctx, span := tracer.Start(ctx, "StoreUpsertRemoteActor")
	defer span.End()

	result := s.db.WithContext(ctx).Save(&remote)
	return remote, wrapDBErr(result.Error)
}

// SaveFollower records a remote AP actor following a bridged identity.
func (s *Store) SaveFollower(ctx context.Context, follower types.ApFollower) error {
	ctx, span := tracer.Start(ctx, "StoreSaveFollower")
	defer span.End()

	return wrapDBErr(s.db.WithContext(ctx).Create(&follower).Error)
}

// GetFollowers returns the follower set of a bridged identity.
func (s *Store) GetFollowers(ctx context.Context, pubkey string) ([]types.ApFollower, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowers")
	defer span.End()

	var followers []types.ApFollower
	err := s.db.WithContext(ctx).Where("publisher_pubkey = ?", pubkey).Find(&followers).Error
	return followers, wrapDBErr(err)
}

// GetFollowerByTuple returns a follower edge by (local pubkey, remote actor).
func (s *Store) GetFollowerByTuple(ctx context.Context, pubkey, remote string) (types.ApFollower, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowerByTuple")
	defer span.End()

	var follower types.ApFollower
	result := s.db.WithContext(ctx).Where("publisher_pubkey = ? AND subscriber_person_url = ?", pubkey, remote).First(&follower)
	return follower, wrapDBErr(result.Error)
}

// RemoveFollower deletes a follower edge, returning the removed record.
func (s *Store) RemoveFollower(ctx context.Context, pubkey, remote string) (types.ApFollower, error) {
	ctx, span := tracer.Start(ctx, "StoreRemoveFollower")
	defer span.End()

	var follower types.ApFollower
	err := s.db.WithContext(ctx).First(&follower, "publisher_pubkey = ? AND subscriber_person_url = ?", pubkey, remote).Error
	if err != nil {
		return types.ApFollower{}, wrapDBErr(err)
	}

	err = s.db.WithContext(ctx).Where("publisher_pubkey = ? AND subscriber_person_url = ?", pubkey, remote).Delete(&types.ApFollower{}).Error
	if err != nil {
		return types.ApFollower{}, wrapDBErr(err)
	}
	return follower, nil
}

// SaveFollow records a relay-observed follow of a remote AP actor.
func (s *Store) SaveFollow(ctx context.Context, follow types.ApFollow) error {
	ctx, span := tracer.Start(ctx, "StoreSaveFollow")
	defer span.End()

	return wrapDBErr(s.db.WithContext(ctx).Create(&follow).Error)
}

// GetFollows returns the remote AP actors a nostr identity follows.
func (s *Store) GetFollows(ctx context.Context, pubkey string) ([]types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollows")
	defer span.End()

	var follows []types.ApFollow
	err := s.db.WithContext(ctx).Where("subscriber_pubkey = ?", pubkey).Find(&follows).Error
	return follows, wrapDBErr(err)
}

// GetFollowByID returns a follow by its activity id.
func (s *Store) GetFollowByID(ctx context.Context, id string) (types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowByID")
	defer span.End()

	var follow types.ApFollow
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&follow)
	return follow, wrapDBErr(result.Error)
}

// UpdateFollow updates a follow record (Accept handling).
func (s *Store) UpdateFollow(ctx context.Context, follow types.ApFollow) (types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "StoreUpdateFollow")
	defer span.End()

	result := s.db.WithContext(ctx).Save(&follow)
	return follow, wrapDBErr(result.Error)
}

// RemoveFollow deletes a follow edge by (local pubkey, remote actor).
func (s *Store) RemoveFollow(ctx context.Context, pubkey, remote string) (types.ApFollow, error) {
	ctx, span := tracer.Start(ctx, "StoreRemoveFollow")
	defer span.End()

	var follow types.ApFollow
	err := s.db.WithContext(ctx).First(&follow, "subscriber_pubkey = ? AND publisher_person_url = ?", pubkey, remote).Error
	if err != nil {
		return types.ApFollow{}, wrapDBErr(err)
	}
	err = s.db.WithContext(ctx).Where("subscriber_pubkey = ? AND publisher_person_url = ?", pubkey, remote).Delete(&types.ApFollow{}).Error
	if err != nil {
		return types.ApFollow{}, wrapDBErr(err)
	}
	return follow, nil
}

// CreateApObjectReference creates an AP id to event id cross reference.
func (s *Store) CreateApObjectReference(ctx context.Context, reference types.ApObjectReference) error {
	ctx, span := tracer.Start(ctx, "StoreCreateApObjectReference")
	defer span.End()

	return wrapDBErr(s.db.WithContext(ctx).Create(&reference).Error)
}

// GetApObjectReferenceByApObjectID returns a reference by AP object id.
func (s *Store) GetApObjectReferenceByApObjectID(ctx context.Context, apObjectID string) (types.ApObjectReference, error) {
	ctx, span := tracer.Start(ctx, "StoreGetApObjectReferenceByApObjectID")
	defer span.End()

	var reference types.ApObjectReference
	err := s.db.WithContext(ctx).Where("ap_object_id = ?", apObjectID).First(&reference).Error
	return reference, wrapDBErr(err)
}

// GetApObjectReferenceByEventID returns a reference by nostr event id.
func (s *Store) GetApObjectReferenceByEventID(ctx context.Context, eventID string) (types.ApObjectReference, error) {
	ctx, span := tracer.Start(ctx, "StoreGetApObjectReferenceByEventID")
	defer span.End()

	var reference types.ApObjectReference
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&reference).Error
	return reference, wrapDBErr(err)
}

// DeleteApObjectReference deletes a reference by AP object id.
func (s *Store) DeleteApObjectReference(ctx context.Context, apObjectID string) error {
	ctx, span := tracer.Start(ctx, "StoreDeleteApObjectReference")
	defer span.End()

	return wrapDBErr(s.db.WithContext(ctx).Where("ap_object_id = ?", apObjectID).Delete(&types.ApObjectReference{}).Error)
}

// Stats counts the bridge's record kinds for the management API.
func (s *Store) Stats(ctx context.Context) (types.AccountStats, error) {
	ctx, span := tracer.Start(ctx, "StoreStats")
	defer span.End()

	var stats types.AccountStats
	if err := s.db.WithContext(ctx).Model(&types.BridgedActor{}).Count(&stats.Actors).Error; err != nil {
		return stats, wrapDBErr(err)
	}
	if err := s.db.WithContext(ctx).Model(&types.ApFollower{}).Count(&stats.Followers).Error; err != nil {
		return stats, wrapDBErr(err)
	}
	if err := s.db.WithContext(ctx).Model(&types.ApFollow{}).Count(&stats.Follows).Error; err != nil {
		return stats, wrapDBErr(err)
	}
	return stats, nil
}

// LoadKey parses the persisted PEM private key of a bridged actor.
func (s *Store) LoadKey(ctx context.Context, actor types.BridgedActor) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(actor.Privatekey))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DER encoded private key: " + err.Error())
	}

	return priv, nil
}
