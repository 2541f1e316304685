package bridge

import (
	"context"
	"log"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"

	"github.com/hotaru-social/nostr-ap-bridge/identity"
	"github.com/hotaru-social/nostr-ap-bridge/translate"
	"github.com/hotaru-social/nostr-ap-bridge/types"
	"github.com/hotaru-social/nostr-ap-bridge/world"
)

// IngestFederationActivity processes one signature-verified activity.
// signerURL is the actor the HTTP signature proved; activities claiming
// another actor are refused. recipient is the bridged actor whose inbox
// received the POST, used to sign follow-up fetches.
func (s *Service) IngestFederationActivity(ctx context.Context, activity *types.RawApObj, signerURL string, recipient types.BridgedActor) error {
	ctx, span := tracer.Start(ctx, "IngestFederationActivity")
	defer span.End()

	actorURL := identity.NormalizeActorURL(activity.MustGetString("actor"))
	if actorURL == "" || actorURL != identity.NormalizeActorURL(signerURL) {
		return errors.Wrap(types.ErrSignatureInvalid, "activity actor does not match signer")
	}

	activityID := activity.MustGetString("id")
	if activityID == "" {
		return errors.New("activity without id")
	}

	unlock := s.work.Lock("activity|" + activityID)
	defer unlock()

	// duplicate deliveries across inboxes collapse here
	if seen, err := s.cache.Seen(ctx, activityID); err != nil {
		log.Printf("dedup check for %s: %v", activityID, err)
	} else if seen {
		return nil
	}

	err := s.dispatchActivity(ctx, activity, actorURL, recipient)
	if err != nil && retryable(err) {
		// give a redelivery another attempt once the outage passes
		s.cache.Forget(ctx, activityID)
	}
	return err
}

func (s *Service) dispatchActivity(ctx context.Context, activity *types.RawApObj, actorURL string, recipient types.BridgedActor) error {
	switch activity.MustGetString("type") {
	case "Follow":
		return s.handleFollow(ctx, activity, actorURL)
	case "Undo":
		return s.handleUndo(ctx, activity, actorURL)
	case "Accept":
		return s.handleAccept(ctx, activity)
	case "Create":
		object, ok := activity.GetRaw("object")
		if !ok {
			return errors.New("Create without object")
		}
		_, err := s.bridgeInboundNote(ctx, object, actorURL, recipient, 0, map[string]bool{})
		return err
	case "Like":
		return s.handleLike(ctx, activity, actorURL, recipient)
	case "Announce":
		return s.handleAnnounce(ctx, activity, actorURL, recipient)
	case "Update":
		return s.handleUpdate(ctx, activity, actorURL)
	case "Delete":
		return s.handleDelete(ctx, activity, actorURL)
	}

	log.Printf("ignoring %s activity %s", activity.MustGetString("type"), activity.MustGetString("id"))
	return nil
}

func (s *Service) handleFollow(ctx context.Context, activity *types.RawApObj, actorURL string) error {
	followedURL := activity.MustGetString("object")
	npub := s.trimActorURL(followedURL)
	if npub == "" {
		return errors.New("follow of a non-local actor")
	}

	pubkey, err := identity.PubkeyFromNpub(npub)
	if err != nil {
		return err
	}
	actor, err := s.mapper.ActorForPubkey(ctx, pubkey)
	if err != nil {
		return err
	}

	requester, err := s.apclient.FetchPerson(ctx, actorURL, actor, false)
	if err != nil {
		return errors.Wrap(err, "fetching follower")
	}
	if _, err := s.mapper.RecordRemoteActor(ctx, requester); err != nil {
		return err
	}

	if err := s.mapper.AddFollower(ctx, types.ApFollower{
		ID:                  activity.MustGetString("id"),
		SubscriberPersonURL: actorURL,
		SubscriberInbox:     requester.MustGetString("inbox"),
		PublisherPubkey:     pubkey,
	}); err != nil {
		return err
	}

	accept := s.translator.AcceptActivity(s.mapper.ActorURL(actor.ID), activity)
	if err := s.apclient.PostToInbox(ctx, requester.MustGetString("inbox"), accept, actor); err != nil {
		log.Printf("accepting follow from %s: %v", actorURL, err)
	}
	return nil
}

func (s *Service) handleUndo(ctx context.Context, activity *types.RawApObj, actorURL string) error {
	inner, ok := activity.GetRaw("object")
	if !ok {
		return errors.New("Undo without object")
	}

	switch inner.MustGetString("type") {
	case "Follow":
		npub := s.trimActorURL(inner.MustGetString("object"))
		if npub == "" {
			return nil
		}
		pubkey, err := identity.PubkeyFromNpub(npub)
		if err != nil {
			return err
		}
		return s.mapper.RemoveFollower(ctx, pubkey, actorURL)

	case "Like", "Announce":
		// retract the bridged reaction or repost
		ref, err := s.store.GetApObjectReferenceByApObjectID(ctx, inner.MustGetString("id"))
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		remote, err := s.mapper.PubkeyForActor(ctx, actorURL)
		if err != nil {
			return err
		}
		draft := s.translator.DeletionEvent(remote.DerivedPubkey, []string{ref.EventID}, inner.MustGetString("id"))
		if err := s.signAndPublish(ctx, &draft, actorURL); err != nil {
			return err
		}
		return s.store.DeleteApObjectReference(ctx, ref.ApObjectID)
	}

	return nil
}

func (s *Service) handleAccept(ctx context.Context, activity *types.RawApObj) error {
	inner, ok := activity.GetRaw("object")
	if !ok || inner.MustGetString("type") != "Follow" {
		return nil
	}

	followID := s.trimFollowURL(inner.MustGetString("id"))
	if followID == "" {
		return nil
	}

	follow, err := s.store.GetFollowByID(ctx, followID)
	if err != nil {
		return err
	}
	follow.Accepted = true
	_, err = s.store.UpdateFollow(ctx, follow)
	return err
}

// bridgeInboundNote turns a remote Note into a published nostr event.
// Reply parents unknown to the bridge are fetched and bridged first,
// walking at most maxReplyDepth ancestors; a cycle or over-deep chain
// degrades the reply to a top-level note.
func (s *Service) bridgeInboundNote(ctx context.Context, object *types.RawApObj, actorURL string, recipient types.BridgedActor, depth int, visited map[string]bool) (*nostr.Event, error) {
	ctx, span := tracer.Start(ctx, "BridgeInboundNote")
	defer span.End()

	objectID := identity.NormalizeActorURL(object.MustGetString("id"))
	if objectID == "" {
		return nil, errors.New("note without id")
	}
	if visited[objectID] {
		return nil, errors.Errorf("reply cycle at %s", objectID)
	}
	visited[objectID] = true

	if ref, err := s.store.GetApObjectReferenceByApObjectID(ctx, objectID); err == nil {
		return s.pool.QueryEvent(ctx, ref.EventID)
	}

	if object.MustGetString("type") != "Note" {
		return nil, errors.Errorf("unsupported object type %s", object.MustGetString("type"))
	}

	to := object.MustGetStringSlice("to")
	cc := object.MustGetStringSlice("cc")
	if !world.PublicAddressed(to, cc) {
		log.Printf("skipping private note %s", objectID)
		return nil, nil
	}

	author := identity.NormalizeActorURL(object.MustGetString("attributedTo"))
	if author == "" {
		author = actorURL
	}

	remote, err := s.ensureRemoteIdentity(ctx, author, recipient)
	if err != nil {
		return nil, err
	}

	res := translate.ResolvedInbound{
		AuthorPubkey: remote.DerivedPubkey,
		Mentions:     s.resolveInboundMentions(ctx, object),
	}

	if inReplyTo := object.MustGetString("inReplyTo"); inReplyTo != "" {
		parent, parentPubkey := s.resolveParent(ctx, inReplyTo, recipient, depth, visited)
		res.ParentEventID = parent
		res.ParentPubkey = parentPubkey
	}

	draft, degradations, err := s.translator.ActivityToNote(object, res)
	if err != nil {
		return nil, err
	}
	for _, d := range degradations {
		log.Printf("note %s degraded: %s", objectID, d)
	}

	if err := s.signAndPublish(ctx, &draft, author); err != nil {
		return nil, err
	}

	if err := s.store.CreateApObjectReference(ctx, types.ApObjectReference{
		ApObjectID: objectID,
		EventID:    draft.ID,
	}); err != nil {
		return nil, err
	}

	return &draft, nil
}

// resolveInboundMentions maps Mention tag hrefs onto local pubkeys:
// bridged actors decode from their npub, everything else gets a derived
// identity.
func (s *Service) resolveInboundMentions(ctx context.Context, object *types.RawApObj) map[string]string {
	mentions := make(map[string]string)
	for _, tag := range object.MustGetRawSlice("tag") {
		if tag.MustGetString("type") != "Mention" {
			continue
		}
		href := tag.MustGetString("href")
		if href == "" {
			continue
		}
		if npub := s.trimActorURL(href); npub != "" {
			if pubkey, err := identity.PubkeyFromNpub(npub); err == nil {
				mentions[href] = pubkey
			}
			continue
		}
		if remote, err := s.mapper.PubkeyForActor(ctx, href); err == nil {
			mentions[href] = remote.DerivedPubkey
		}
	}
	return mentions
}

// resolveParent maps an inReplyTo object id onto a nostr event,
// bridging the ancestor first when needed. Best effort: ("", "") means
// the reply degrades.
func (s *Service) resolveParent(ctx context.Context, objectID string, recipient types.BridgedActor, depth int, visited map[string]bool) (string, string) {
	if eventID := s.trimNoteURL(objectID); eventID != "" {
		if ev, err := s.pool.QueryEvent(ctx, eventID); err == nil {
			return ev.ID, ev.PubKey
		}
		return eventID, ""
	}

	objectID = identity.NormalizeActorURL(objectID)
	if ref, err := s.store.GetApObjectReferenceByApObjectID(ctx, objectID); err == nil {
		if ev, err := s.pool.QueryEvent(ctx, ref.EventID); err == nil {
			return ev.ID, ev.PubKey
		}
		return ref.EventID, ""
	}

	if depth >= maxReplyDepth {
		log.Printf("reply chain of %s exceeds depth %d", objectID, maxReplyDepth)
		return "", ""
	}

	parent, err := s.apclient.FetchObject(ctx, objectID, recipient)
	if err != nil {
		log.Printf("fetching parent %s: %v", objectID, err)
		return "", ""
	}

	ev, err := s.bridgeInboundNote(ctx, parent, parent.MustGetString("attributedTo"), recipient, depth+1, visited)
	if err != nil || ev == nil {
		if err != nil {
			log.Printf("bridging parent %s: %v", objectID, err)
		}
		return "", ""
	}
	return ev.ID, ev.PubKey
}

func (s *Service) handleLike(ctx context.Context, activity *types.RawApObj, actorURL string, recipient types.BridgedActor) error {
	targetEventID, targetPubkey := s.resolveParent(ctx, activity.MustGetString("object"), recipient, maxReplyDepth, map[string]bool{})
	if targetEventID == "" {
		return nil
	}

	remote, err := s.mapper.PubkeyForActor(ctx, actorURL)
	if err != nil {
		return err
	}

	draft, err := s.translator.LikeToReaction(activity, translate.ResolvedInbound{
		AuthorPubkey:  remote.DerivedPubkey,
		ParentEventID: targetEventID,
		ParentPubkey:  targetPubkey,
	})
	if err != nil {
		return err
	}

	if err := s.signAndPublish(ctx, &draft, actorURL); err != nil {
		return err
	}
	return s.store.CreateApObjectReference(ctx, types.ApObjectReference{
		ApObjectID: activity.MustGetString("id"),
		EventID:    draft.ID,
	})
}

func (s *Service) handleAnnounce(ctx context.Context, activity *types.RawApObj, actorURL string, recipient types.BridgedActor) error {
	objectID := activity.MustGetString("object")
	targetEventID, targetPubkey := s.resolveParent(ctx, objectID, recipient, 0, map[string]bool{})
	if targetEventID == "" {
		return nil
	}

	remote, err := s.ensureRemoteIdentity(ctx, actorURL, recipient)
	if err != nil {
		return err
	}

	draft, err := s.translator.AnnounceToRepost(activity, translate.ResolvedInbound{
		AuthorPubkey:  remote.DerivedPubkey,
		ParentEventID: targetEventID,
		ParentPubkey:  targetPubkey,
	})
	if err != nil {
		return err
	}

	if err := s.signAndPublish(ctx, &draft, actorURL); err != nil {
		return err
	}
	return s.store.CreateApObjectReference(ctx, types.ApObjectReference{
		ApObjectID: activity.MustGetString("id"),
		EventID:    draft.ID,
	})
}

func (s *Service) handleUpdate(ctx context.Context, activity *types.RawApObj, actorURL string) error {
	person, ok := activity.GetRaw("object")
	if !ok || person.MustGetString("type") != "Person" {
		return nil
	}

	remote, err := s.mapper.RecordRemoteActor(ctx, person)
	if err != nil {
		return err
	}

	meta := translate.ProfileFromActor(person)
	s.cache.SetProfile(remote.DerivedPubkey, meta)

	draft, err := s.translator.ProfileEvent(remote.DerivedPubkey, meta, remote.ActorURL)
	if err != nil {
		return err
	}
	return s.signAndPublish(ctx, &draft, actorURL)
}

func (s *Service) handleDelete(ctx context.Context, activity *types.RawApObj, actorURL string) error {
	objectID := activity.MustGetString("object")
	if inner, ok := activity.GetRaw("object"); ok {
		objectID = inner.MustGetString("id")
	}
	if objectID == "" {
		return nil
	}
	objectID = identity.NormalizeActorURL(objectID)

	ref, err := s.store.GetApObjectReferenceByApObjectID(ctx, objectID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	remote, err := s.mapper.PubkeyForActor(ctx, actorURL)
	if err != nil {
		return err
	}

	draft := s.translator.DeletionEvent(remote.DerivedPubkey, []string{ref.EventID}, objectID)
	if err := s.signAndPublish(ctx, &draft, actorURL); err != nil {
		return err
	}
	return s.store.DeleteApObjectReference(ctx, ref.ApObjectID)
}

// ensureRemoteIdentity materializes the derived identity of a remote
// actor and publishes its profile on first sight.
func (s *Service) ensureRemoteIdentity(ctx context.Context, actorURL string, recipient types.BridgedActor) (types.RemoteActor, error) {
	remote, err := s.mapper.PubkeyForActor(ctx, actorURL)
	if err != nil {
		return types.RemoteActor{}, err
	}
	if remote.Name != "" {
		return remote, nil
	}

	person, err := s.apclient.FetchPerson(ctx, actorURL, recipient, false)
	if err != nil {
		// delivery metadata can catch up later
		log.Printf("fetching author %s: %v", actorURL, err)
		return remote, nil
	}

	remote, err = s.mapper.RecordRemoteActor(ctx, person)
	if err != nil {
		return types.RemoteActor{}, err
	}

	meta := translate.ProfileFromActor(person)
	s.cache.SetProfile(remote.DerivedPubkey, meta)
	if draft, err := s.translator.ProfileEvent(remote.DerivedPubkey, meta, remote.ActorURL); err == nil {
		if err := s.signAndPublish(ctx, &draft, actorURL); err != nil {
			log.Printf("publishing profile of %s: %v", actorURL, err)
		}
	}

	return remote, nil
}

// signAndPublish signs a draft with the derived key of a remote actor
// and broadcasts it.
func (s *Service) signAndPublish(ctx context.Context, draft *nostr.Event, actorURL string) error {
	if err := draft.Sign(s.mapper.DeriveSecret(actorURL)); err != nil {
		return errors.Wrap(err, "signing derived event")
	}
	if _, err := s.pool.Publish(ctx, *draft); err != nil {
		return err
	}
	return nil
}

func (s *Service) trimActorURL(actorURL string) string {
	prefix := "https://" + s.config.FQDN + "/ap/acct/"
	actorURL = identity.NormalizeActorURL(actorURL)
	if len(actorURL) > len(prefix) && actorURL[:len(prefix)] == prefix {
		return actorURL[len(prefix):]
	}
	return ""
}

func (s *Service) trimFollowURL(followURL string) string {
	prefix := "https://" + s.config.FQDN + "/ap/follow/"
	if len(followURL) > len(prefix) && followURL[:len(prefix)] == prefix {
		return followURL[len(prefix):]
	}
	return ""
}
