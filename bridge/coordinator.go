package bridge

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/hotaru-social/nostr-ap-bridge/apclient"
	"github.com/hotaru-social/nostr-ap-bridge/cache"
	"github.com/hotaru-social/nostr-ap-bridge/identity"
	"github.com/hotaru-social/nostr-ap-bridge/store"
	"github.com/hotaru-social/nostr-ap-bridge/translate"
	"github.com/hotaru-social/nostr-ap-bridge/types"
	"github.com/hotaru-social/nostr-ap-bridge/world"
)

var tracer = otel.Tracer("bridge")

// maxReplyDepth bounds how far an inbound reply chain is walked before
// the reply degrades to a top-level note.
const maxReplyDepth = 32

// EventPublisher is the slice of the relay pool the coordinator uses.
type EventPublisher interface {
	Publish(ctx context.Context, event nostr.Event) (int, error)
	QueryEvent(ctx context.Context, id string) (*nostr.Event, error)
}

// ActivityDeliverer fans activities out to remote inboxes.
type ActivityDeliverer interface {
	Deliver(ctx context.Context, activityID string, activity any, actor types.BridgedActor, inboxes []string)
}

// Service coordinates the two directions of the bridge: relay-observed
// events flowing out to ActivityPub, verified activities flowing back
// onto the relays.
type Service struct {
	store      *store.Store
	cache      *cache.Cache
	mapper     *identity.Mapper
	translator *translate.Translator
	apclient   *apclient.ApClient
	pool       EventPublisher
	engine     ActivityDeliverer
	config     types.ApConfig

	work keyedMutex
}

func NewService(
	store *store.Store,
	cache *cache.Cache,
	mapper *identity.Mapper,
	translator *translate.Translator,
	apclient *apclient.ApClient,
	pool EventPublisher,
	engine ActivityDeliverer,
	config types.ApConfig,
) *Service {
	return &Service{
		store:      store,
		cache:      cache,
		mapper:     mapper,
		translator: translator,
		apclient:   apclient,
		pool:       pool,
		engine:     engine,
		config:     config,
	}
}

// Run consumes the relay pool funnel until the channel closes.
func (s *Service) Run(ctx context.Context, events <-chan *nostr.Event) {
	for ev := range events {
		if err := s.IngestNativeEvent(ctx, ev); err != nil {
			log.Printf("ingest %s (kind %d): %v", ev.ID, ev.Kind, err)
			if retryable(err) {
				// drop the dedup mark so a relay redelivery gets
				// another attempt once the outage passes
				s.cache.Forget(ctx, ev.ID)
			}
		}
	}
}

// retryable reports whether an ingestion failure was an infrastructure
// outage rather than a property of the event itself.
func retryable(err error) bool {
	return errors.Is(err, types.ErrStoreUnavailable) || errors.Is(err, types.ErrTransportTransient)
}

// IngestNativeEvent bridges one relay-observed event. The caller hands
// in deduplicated events; duplicates of the same id queue behind each
// other on a keyed lock and the second pass finds its work done.
func (s *Service) IngestNativeEvent(ctx context.Context, ev *nostr.Event) error {
	ctx, span := tracer.Start(ctx, "IngestNativeEvent")
	defer span.End()

	if origin, ok := translate.ProxiedFrom(ev); ok {
		log.Printf("skipping %s: already bridged from %s", ev.ID, origin)
		return nil
	}

	unlock := s.work.Lock("event|" + ev.ID)
	defer unlock()

	switch translate.Classify(ev) {
	case translate.KindNote, translate.KindReply:
		return s.bridgeOutboundNote(ctx, ev)
	case translate.KindReaction:
		return s.bridgeOutboundReaction(ctx, ev)
	case translate.KindRepost:
		return s.bridgeOutboundRepost(ctx, ev)
	case translate.KindProfile:
		return s.bridgeOutboundProfile(ctx, ev)
	case translate.KindFollowList:
		return s.bridgeOutboundContacts(ctx, ev)
	case translate.KindDeletion:
		return s.bridgeOutboundDeletion(ctx, ev)
	}

	return nil
}

func (s *Service) bridgeOutboundNote(ctx context.Context, ev *nostr.Event) error {
	actor, err := s.mapper.ActorForPubkey(ctx, ev.PubKey)
	if err != nil {
		return err
	}

	inboxes, err := s.mapper.FollowerInboxes(ctx, ev.PubKey)
	if err != nil {
		return err
	}

	res := s.resolveOutbound(ctx, ev, actor)

	activity, degradations, err := s.translator.NoteToActivity(ev, res)
	if err != nil {
		return err
	}
	for _, d := range degradations {
		log.Printf("note %s degraded: %s", ev.ID, d)
	}

	// a reply also reaches the remote author it answers
	if res.ParentActor != "" {
		if inbox := s.inboxOf(ctx, res.ParentActor, actor); inbox != "" {
			inboxes = append(inboxes, inbox)
		}
	}
	for _, mentioned := range res.Mentions {
		if inbox := s.inboxOf(ctx, mentioned, actor); inbox != "" {
			inboxes = append(inboxes, inbox)
		}
	}

	if len(inboxes) == 0 {
		return nil
	}

	s.engine.Deliver(ctx, activity.ID, activity, actor, dedup(inboxes))
	return nil
}

func (s *Service) bridgeOutboundReaction(ctx context.Context, ev *nostr.Event) error {
	target := translate.ReplyTarget(ev)
	if target == "" {
		return nil
	}

	ref, err := s.store.GetApObjectReferenceByEventID(ctx, target)
	if errors.Is(err, types.ErrNotFound) {
		// reaction between native identities, nothing to federate
		return nil
	}
	if err != nil {
		return err
	}

	actor, err := s.mapper.ActorForPubkey(ctx, ev.PubKey)
	if err != nil {
		return err
	}

	res := translate.Resolved{
		ActorURL:  s.mapper.ActorURL(actor.ID),
		ParentRef: ref.ApObjectID,
	}

	inbox := s.inboxOfObject(ctx, ref.ApObjectID, actor)
	if inbox == "" {
		return nil
	}

	like, err := s.translator.ReactionToLike(ev, res)
	if err != nil {
		return err
	}

	s.engine.Deliver(ctx, like.ID, like, actor, []string{inbox})
	return nil
}

func (s *Service) bridgeOutboundRepost(ctx context.Context, ev *nostr.Event) error {
	target := translate.ReplyTarget(ev)
	if target == "" {
		return nil
	}

	actor, err := s.mapper.ActorForPubkey(ctx, ev.PubKey)
	if err != nil {
		return err
	}

	parentRef := s.translator.NoteURL(target)
	var originInbox string
	if ref, err := s.store.GetApObjectReferenceByEventID(ctx, target); err == nil {
		parentRef = ref.ApObjectID
		originInbox = s.inboxOfObject(ctx, ref.ApObjectID, actor)
	}

	announce, err := s.translator.RepostToAnnounce(ev, translate.Resolved{
		ActorURL:  s.mapper.ActorURL(actor.ID),
		Followers: s.mapper.ActorURL(actor.ID) + "/followers",
		ParentRef: parentRef,
	})
	if err != nil {
		return err
	}

	inboxes, err := s.mapper.FollowerInboxes(ctx, ev.PubKey)
	if err != nil {
		return err
	}
	if originInbox != "" {
		inboxes = append(inboxes, originInbox)
	}
	if len(inboxes) == 0 {
		return nil
	}

	s.engine.Deliver(ctx, announce.ID, announce, actor, dedup(inboxes))
	return nil
}

func (s *Service) bridgeOutboundProfile(ctx context.Context, ev *nostr.Event) error {
	meta, err := translate.ParseProfile(ev)
	if err != nil {
		return err
	}

	if err := s.mapper.UpdateProfile(ctx, ev.PubKey, meta); err != nil {
		return err
	}
	s.cache.SetProfile(ev.PubKey, meta)

	actor, err := s.mapper.ActorForPubkey(ctx, ev.PubKey)
	if err != nil {
		return err
	}

	inboxes, err := s.mapper.FollowerInboxes(ctx, ev.PubKey)
	if err != nil || len(inboxes) == 0 {
		return err
	}

	actorURL := s.mapper.ActorURL(actor.ID)
	update := types.ApObject{
		Context: world.ActivityStreamsContext,
		Type:    "Update",
		ID:      actorURL + "#updates/" + uuid.New().String(),
		Actor:   actorURL,
		To:      []string{world.PublicAddress},
		Object:  s.PersonDocument(actor, meta),
	}

	s.engine.Deliver(ctx, update.ID, update, actor, inboxes)
	return nil
}

func (s *Service) bridgeOutboundContacts(ctx context.Context, ev *nostr.Event) error {
	actor, err := s.mapper.ActorForPubkey(ctx, ev.PubKey)
	if err != nil {
		return err
	}

	// only contacts that are derived remote identities concern the bridge
	var remoteURLs []string
	for _, pubkey := range translate.ContactPubkeys(ev) {
		remote, err := s.store.GetRemoteActorByPubkey(ctx, pubkey)
		if err != nil {
			continue
		}
		remoteURLs = append(remoteURLs, remote.ActorURL)
	}

	added, removed, err := s.mapper.DiffFollows(ctx, ev.PubKey, remoteURLs)
	if err != nil {
		return err
	}

	actorURL := s.mapper.ActorURL(actor.ID)

	for _, followee := range added {
		followID := uuid.New().String()
		if err := s.store.SaveFollow(ctx, types.ApFollow{
			ID:                 followID,
			PublisherPersonURL: followee,
			SubscriberPubkey:   ev.PubKey,
		}); err != nil {
			log.Printf("save follow %s: %v", followee, err)
			continue
		}
		follow := s.translator.FollowActivity(followID, actorURL, followee)
		if inbox := s.inboxOf(ctx, followee, actor); inbox != "" {
			s.engine.Deliver(ctx, follow.ID, follow, actor, []string{inbox})
		}
	}

	for _, gone := range removed {
		if _, err := s.store.RemoveFollow(ctx, ev.PubKey, gone.PublisherPersonURL); err != nil {
			log.Printf("remove follow %s: %v", gone.PublisherPersonURL, err)
			continue
		}
		follow := s.translator.FollowActivity(gone.ID, actorURL, gone.PublisherPersonURL)
		undo := s.translator.UndoActivity(follow)
		if inbox := s.inboxOf(ctx, gone.PublisherPersonURL, actor); inbox != "" {
			s.engine.Deliver(ctx, undo.ID, undo, actor, []string{inbox})
		}
	}

	return nil
}

func (s *Service) bridgeOutboundDeletion(ctx context.Context, ev *nostr.Event) error {
	actor, err := s.mapper.ActorForPubkey(ctx, ev.PubKey)
	if err != nil {
		return err
	}

	inboxes, err := s.mapper.FollowerInboxes(ctx, ev.PubKey)
	if err != nil || len(inboxes) == 0 {
		return err
	}

	deletes := s.translator.DeletionToDeletes(ev, translate.Resolved{
		ActorURL: s.mapper.ActorURL(actor.ID),
	})
	for _, del := range deletes {
		s.engine.Deliver(ctx, del.ID, del, actor, inboxes)
	}
	return nil
}

// NoteObject renders the object document of a bridged note on demand,
// for serving at its deterministic URL.
func (s *Service) NoteObject(ctx context.Context, eventID string) (types.ApObject, error) {
	ctx, span := tracer.Start(ctx, "NoteObject")
	defer span.End()

	ev, err := s.pool.QueryEvent(ctx, eventID)
	if err != nil {
		return types.ApObject{}, errors.Wrap(err, "event not found on any relay")
	}

	switch translate.Classify(ev) {
	case translate.KindNote, translate.KindReply:
	default:
		return types.ApObject{}, errors.New("event is not a note")
	}

	actor, err := s.mapper.ActorForPubkey(ctx, ev.PubKey)
	if err != nil {
		return types.ApObject{}, err
	}

	activity, _, err := s.translator.NoteToActivity(ev, s.resolveOutbound(ctx, ev, actor))
	if err != nil {
		return types.ApObject{}, err
	}

	note, ok := activity.Object.(types.ApObject)
	if !ok {
		return types.ApObject{}, errors.New("unexpected activity shape")
	}
	note.Context = world.ActivityStreamsContext
	return note, nil
}

// resolveOutbound gathers the lookups an outbound note translation
// needs: mention targets and the reply parent's AP identity.
func (s *Service) resolveOutbound(ctx context.Context, ev *nostr.Event, actor types.BridgedActor) translate.Resolved {
	actorURL := s.mapper.ActorURL(actor.ID)
	res := translate.Resolved{
		ActorURL:  actorURL,
		Followers: actorURL + "/followers",
		Mentions:  make(map[string]string),
	}

	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		remote, err := s.store.GetRemoteActorByPubkey(ctx, tag[1])
		if err != nil {
			continue
		}
		res.Mentions[tag[1]] = remote.ActorURL
	}

	if parent := translate.ReplyTarget(ev); parent != "" {
		if ref, err := s.store.GetApObjectReferenceByEventID(ctx, parent); err == nil {
			res.ParentRef = ref.ApObjectID
			if parentEv, err := s.pool.QueryEvent(ctx, parent); err == nil {
				if remote, err := s.store.GetRemoteActorByPubkey(ctx, parentEv.PubKey); err == nil {
					res.ParentActor = remote.ActorURL
				}
			}
		} else {
			// parent is a native note, its bridged URL is deterministic
			res.ParentRef = s.translator.NoteURL(parent)
		}
	}

	return res
}

// inboxOf returns the delivery inbox of a remote actor, preferring the
// shared inbox. Best effort, "" on failure.
func (s *Service) inboxOf(ctx context.Context, actorURL string, execActor types.BridgedActor) string {
	if remote, err := s.store.GetRemoteActor(ctx, identity.NormalizeActorURL(actorURL)); err == nil {
		if remote.SharedInbox != "" {
			return remote.SharedInbox
		}
		if remote.Inbox != "" {
			return remote.Inbox
		}
	}

	person, err := s.apclient.FetchPerson(ctx, actorURL, execActor, false)
	if err != nil {
		log.Printf("no inbox for %s: %v", actorURL, err)
		return ""
	}
	if _, err := s.mapper.RecordRemoteActor(ctx, person); err != nil {
		log.Printf("recording %s: %v", actorURL, err)
	}
	if shared, ok := person.GetString("endpoints.sharedInbox"); ok && shared != "" {
		return shared
	}
	return person.MustGetString("inbox")
}

// inboxOfObject resolves the author inbox of a remote AP object.
func (s *Service) inboxOfObject(ctx context.Context, objectID string, execActor types.BridgedActor) string {
	object, err := s.apclient.FetchObject(ctx, objectID, execActor)
	if err != nil {
		log.Printf("fetching %s: %v", objectID, err)
		return ""
	}
	author := object.MustGetString("attributedTo")
	if author == "" {
		return ""
	}
	return s.inboxOf(ctx, author, execActor)
}

// PersonDocument renders the actor document served for a bridged
// identity and embedded in Update activities.
func (s *Service) PersonDocument(actor types.BridgedActor, meta types.ProfileMetadata) types.ApObject {
	actorURL := s.mapper.ActorURL(actor.ID)

	name := actor.Name
	if meta.DisplayName != "" {
		name = meta.DisplayName
	}
	summary := actor.Summary
	if meta.About != "" {
		summary = meta.About
	}
	iconURL := actor.IconURL
	if meta.Picture != "" {
		iconURL = meta.Picture
	}

	person := types.ApObject{
		Context:           []string{world.ActivityStreamsContext, "https://w3id.org/security/v1"},
		Type:              "Person",
		ID:                actorURL,
		Inbox:             actorURL + "/inbox",
		Outbox:            actorURL + "/outbox",
		Followers:         actorURL + "/followers",
		Endpoints:         &types.PersonEndpoints{SharedInbox: "https://" + s.config.FQDN + "/ap/inbox"},
		PreferredUsername: actor.ID,
		Name:              name,
		Summary:           summary,
		URL:               actorURL,
		PublicKey: &types.Key{
			ID:           actorURL + "#main-key",
			Type:         "Key",
			Owner:        actorURL,
			PublicKeyPem: actor.Publickey,
		},
		AlsoKnownAs: actor.AlsoKnownAs,
	}
	if iconURL != "" {
		person.Icon = &types.Icon{
			Type:      "Image",
			MediaType: "image/png",
			URL:       iconURL,
		}
	}
	return person
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
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

// trimNoteURL extracts the event id from a bridged note URL, "" if the
// URL is not ours.
func (s *Service) trimNoteURL(objectID string) string {
	prefix := "https://" + s.config.FQDN + "/ap/note/"
	if strings.HasPrefix(objectID, prefix) {
		return strings.TrimPrefix(objectID, prefix)
	}
	return ""
}
