package api

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hotaru-social/nostr-ap-bridge/apclient"
	"github.com/hotaru-social/nostr-ap-bridge/identity"
	"github.com/hotaru-social/nostr-ap-bridge/store"
	"github.com/hotaru-social/nostr-ap-bridge/types"
)

// Service backs the management API. Everything here is read-only
// inspection; federation state is driven by the relays and the inbox.
type Service struct {
	store         *store.Store
	apclient      *apclient.ApClient
	mapper        *identity.Mapper
	instanceActor types.BridgedActor
}

func NewService(store *store.Store, apclient *apclient.ApClient, mapper *identity.Mapper, instanceActor types.BridgedActor) *Service {
	return &Service{
		store:         store,
		apclient:      apclient,
		mapper:        mapper,
		instanceActor: instanceActor,
	}
}

func (s *Service) Stats(ctx context.Context) (types.AccountStats, error) {
	ctx, span := tracer.Start(ctx, "ApiServiceStats")
	defer span.End()

	return s.store.Stats(ctx)
}

// ResolvedActor pairs a remote actor document with the nostr identity
// the bridge derives for it.
type ResolvedActor struct {
	ActorURL      string         `json:"actorURL"`
	DerivedPubkey string         `json:"derivedPubkey"`
	DerivedNpub   string         `json:"derivedNpub"`
	Person        map[string]any `json:"person"`
}

// Resolve looks up a remote handle or actor URL and reports how the
// bridge sees it.
func (s *Service) Resolve(ctx context.Context, handle string) (ResolvedActor, error) {
	ctx, span := tracer.Start(ctx, "ApiServiceResolve")
	defer span.End()

	actorURL, err := apclient.ResolveActor(ctx, handle)
	if err != nil {
		span.RecordError(err)
		return ResolvedActor{}, errors.Wrap(err, "resolve handle")
	}

	person, err := s.apclient.FetchPerson(ctx, actorURL, s.instanceActor, false)
	if err != nil {
		span.RecordError(err)
		return ResolvedActor{}, errors.Wrap(err, "fetch actor")
	}

	remote, err := s.mapper.RecordRemoteActor(ctx, person)
	if err != nil {
		return ResolvedActor{}, err
	}

	return resolvedActorFrom(remote, person)
}

func resolvedActorFrom(remote types.RemoteActor, person *types.RawApObj) (ResolvedActor, error) {
	npub, err := identity.Npub(remote.DerivedPubkey)
	if err != nil {
		return ResolvedActor{}, err
	}

	return ResolvedActor{
		ActorURL:      remote.ActorURL,
		DerivedPubkey: remote.DerivedPubkey,
		DerivedNpub:   npub,
		Person:        person.GetData(),
	}, nil
}

// Actor reports the bridged actor row for an npub, without
// materializing one that does not exist yet.
func (s *Service) Actor(ctx context.Context, npub string) (types.BridgedActor, error) {
	ctx, span := tracer.Start(ctx, "ApiServiceActor")
	defer span.End()

	return s.store.GetActorByID(ctx, npub)
}

// Followers lists the remote followers of a bridged npub.
func (s *Service) Followers(ctx context.Context, npub string) ([]types.ApFollower, error) {
	ctx, span := tracer.Start(ctx, "ApiServiceFollowers")
	defer span.End()

	pubkey, err := identity.PubkeyFromNpub(npub)
	if err != nil {
		return nil, errors.Wrap(err, "invalid handle")
	}
	return s.store.GetFollowers(ctx, pubkey)
}
