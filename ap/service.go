package ap

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/hotaru-social/nostr-ap-bridge/bridge"
	"github.com/hotaru-social/nostr-ap-bridge/cache"
	"github.com/hotaru-social/nostr-ap-bridge/delivery"
	"github.com/hotaru-social/nostr-ap-bridge/identity"
	"github.com/hotaru-social/nostr-ap-bridge/store"
	"github.com/hotaru-social/nostr-ap-bridge/types"
	"github.com/hotaru-social/nostr-ap-bridge/world"
)

// Service answers the federation-facing surface: discovery documents,
// actor and note documents, and the inbox.
type Service struct {
	store         *store.Store
	cache         *cache.Cache
	mapper        *identity.Mapper
	bridge        *bridge.Service
	verifier      *delivery.Verifier
	instanceActor types.BridgedActor
	config        types.ApConfig
	info          types.NodeInfo
	version       string
}

func NewService(
	store *store.Store,
	cache *cache.Cache,
	mapper *identity.Mapper,
	bridge *bridge.Service,
	verifier *delivery.Verifier,
	instanceActor types.BridgedActor,
	config types.ApConfig,
	info types.NodeInfo,
	version string,
) *Service {
	return &Service{
		store:         store,
		cache:         cache,
		mapper:        mapper,
		bridge:        bridge,
		verifier:      verifier,
		instanceActor: instanceActor,
		config:        config,
		info:          info,
		version:       version,
	}
}

// WebFinger resolves acct:npub@fqdn handles. Any decodable npub has an
// actor, materialized on first lookup.
func (s *Service) WebFinger(ctx context.Context, resource string) (types.WebFinger, error) {
	ctx, span := tracer.Start(ctx, "ApServiceWebFinger")
	defer span.End()

	split := strings.Split(strings.TrimPrefix(resource, "acct:"), "@")
	if len(split) != 2 {
		return types.WebFinger{}, errors.New("invalid resource")
	}
	npub, domain := split[0], split[1]
	if domain != s.config.FQDN {
		return types.WebFinger{}, errors.New("unknown domain")
	}

	pubkey, err := identity.PubkeyFromNpub(npub)
	if err != nil {
		return types.WebFinger{}, errors.Wrap(err, "invalid handle")
	}

	actor, err := s.mapper.ActorForPubkey(ctx, pubkey)
	if err != nil {
		span.RecordError(err)
		return types.WebFinger{}, err
	}

	return types.WebFinger{
		Subject: "acct:" + actor.ID + "@" + s.config.FQDN,
		Links: []types.WebFingerLink{
			{
				Rel:  "self",
				Type: world.ActivityJSONType,
				Href: s.mapper.ActorURL(actor.ID),
			},
		},
	}, nil
}

func (s *Service) NodeInfoWellKnown(ctx context.Context) (types.WellKnown, error) {
	_, span := tracer.Start(ctx, "ApServiceNodeInfoWellKnown")
	defer span.End()

	return types.WellKnown{
		Links: []types.WellKnownLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: "https://" + s.config.FQDN + "/nodeinfo/2.0",
			},
		},
	}, nil
}

func (s *Service) NodeInfo(ctx context.Context) (types.NodeInfo, error) {
	_, span := tracer.Start(ctx, "ApServiceNodeInfo")
	defer span.End()

	info := s.info
	info.Version = "2.0"
	info.Software.Name = "nostr-ap-bridge"
	info.Software.Version = s.version
	info.Protocols = []string{"activitypub"}
	return info, nil
}

// User serves the actor document for a bridged npub.
func (s *Service) User(ctx context.Context, npub string) (types.ApObject, error) {
	ctx, span := tracer.Start(ctx, "ApServiceUser")
	defer span.End()

	pubkey, err := identity.PubkeyFromNpub(npub)
	if err != nil {
		return types.ApObject{}, errors.Wrap(err, "invalid handle")
	}

	actor, err := s.mapper.ActorForPubkey(ctx, pubkey)
	if err != nil {
		span.RecordError(err)
		return types.ApObject{}, err
	}

	var meta types.ProfileMetadata
	if cached, ok := s.cache.GetProfile(pubkey); ok {
		meta = *cached
	}

	return s.bridge.PersonDocument(actor, meta), nil
}

// Note serves the object document of a bridged nostr event, fetched
// from the relays on demand.
func (s *Service) Note(ctx context.Context, eventID string) (types.ApObject, error) {
	ctx, span := tracer.Start(ctx, "ApServiceNote")
	defer span.End()

	note, err := s.bridge.NoteObject(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		return types.ApObject{}, err
	}
	return note, nil
}

// Outbox is served as a permanently empty collection; bridged history
// lives on the relays.
func (s *Service) Outbox(ctx context.Context, npub string) (map[string]any, error) {
	_, span := tracer.Start(ctx, "ApServiceOutbox")
	defer span.End()

	return map[string]any{
		"@context":   world.ActivityStreamsContext,
		"type":       "OrderedCollection",
		"id":         s.mapper.ActorURL(npub) + "/outbox",
		"totalItems": 0,
	}, nil
}

// Inbox verifies and ingests one delivered activity. recipientNpub is
// empty for the shared inbox; fetches made while processing are then
// signed by the instance actor.
func (s *Service) Inbox(ctx context.Context, req *http.Request, body []byte, recipientNpub string) error {
	ctx, span := tracer.Start(ctx, "ApServiceInbox")
	defer span.End()

	execActor := s.instanceActor
	if recipientNpub != "" {
		pubkey, err := identity.PubkeyFromNpub(recipientNpub)
		if err != nil {
			return errors.Wrap(err, "invalid recipient")
		}
		actor, err := s.mapper.ActorForPubkey(ctx, pubkey)
		if err != nil {
			return err
		}
		execActor = actor
	}

	if err := delivery.VerifyDigest(req.Header.Get("Digest"), body); err != nil {
		span.RecordError(err)
		return err
	}

	signerURL, err := s.verifier.Verify(ctx, req, execActor)
	if err != nil {
		span.RecordError(err)
		return err
	}

	activity, err := types.LoadAsRawApObj(body)
	if err != nil {
		return errors.Wrap(err, "invalid activity body")
	}

	return s.bridge.IngestFederationActivity(ctx, activity, signerURL, execActor)
}
