package translate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"

	"github.com/hotaru-social/nostr-ap-bridge/types"
	"github.com/hotaru-social/nostr-ap-bridge/world"
)

// ResolvedInbound is the lookup-free view of an inbound translation:
// derived identities and cross references the coordinator resolved
// before calling in.
type ResolvedInbound struct {
	AuthorPubkey  string            // derived pubkey of the remote author
	Mentions      map[string]string // mentioned actor URL -> local hex pubkey
	ParentEventID string            // nostr event id of the inReplyTo target
	ParentPubkey  string            // author pubkey of that target
}

// ActivityToNote converts an inbound Note object into an unsigned kind-1
// event draft. A reply whose parent could not be resolved degrades to a
// top-level note and reports the loss.
func (t *Translator) ActivityToNote(object *types.RawApObj, res ResolvedInbound) (nostr.Event, []types.Degradation, error) {
	var degradations []types.Degradation

	objectID := object.MustGetString("id")
	if objectID == "" {
		return nostr.Event{}, nil, errors.New("object without id")
	}

	content, ok := object.GetString("_misskey_content")
	if !ok {
		raw := object.MustGetString("content")
		if raw != "" {
			var err error
			content, err = htmlToText(strings.NewReader(raw))
			if err != nil {
				content = raw
			}
		}
	}

	tags := nostr.Tags{}

	if inReplyTo := object.MustGetString("inReplyTo"); inReplyTo != "" {
		if res.ParentEventID != "" {
			tags = append(tags, nostr.Tag{"e", res.ParentEventID, "", "reply"})
			if res.ParentPubkey != "" {
				tags = append(tags, nostr.Tag{"p", res.ParentPubkey})
			}
			content = stripLeadingMentions(content)
		} else {
			degradations = append(degradations, types.Degradation{
				Reason:  "reply parent unresolved, bridged as top-level note",
				Subject: inReplyTo,
			})
		}
	}

	for _, tag := range object.MustGetRawSlice("tag") {
		if tag.MustGetString("type") != "Mention" {
			continue
		}
		href := tag.MustGetString("href")
		pubkey, ok := res.Mentions[href]
		if !ok {
			continue
		}
		tags = append(tags, nostr.Tag{"p", pubkey, "", "mention"})
	}

	for _, attachment := range object.MustGetRawSlice("attachment") {
		u := attachment.MustGetString("url")
		if u == "" {
			continue
		}
		imeta := nostr.Tag{"imeta", "url " + u}
		if mediaType := attachment.MustGetString("mediaType"); mediaType != "" {
			imeta = append(imeta, "m "+mediaType)
		}
		tags = append(tags, imeta)
		content += "\n" + u
	}

	if summary := object.MustGetString("summary"); summary != "" {
		tags = append(tags, nostr.Tag{"content-warning", summary})
	} else if object.MustGetBool("sensitive") {
		tags = append(tags, nostr.Tag{"content-warning"})
	}

	tags = append(tags, nostr.Tag{"proxy", objectID, world.ProxyProtocolActivityPub})

	return nostr.Event{
		PubKey:    res.AuthorPubkey,
		CreatedAt: publishedAt(object),
		Kind:      nostr.KindTextNote,
		Tags:      tags,
		Content:   strings.Trim(content, "\n"),
	}, degradations, nil
}

// LikeToReaction converts an inbound Like into an unsigned kind-7 draft.
// A Like without content maps to the canonical "+" reaction.
func (t *Translator) LikeToReaction(object *types.RawApObj, res ResolvedInbound) (nostr.Event, error) {
	if res.ParentEventID == "" {
		return nostr.Event{}, errors.New("like target unresolved")
	}

	content := object.MustGetString("content")
	if content == "" || content == "👍" {
		content = world.CanonicalLikeContent
	}

	tags := nostr.Tags{
		nostr.Tag{"e", res.ParentEventID},
	}
	if res.ParentPubkey != "" {
		tags = append(tags, nostr.Tag{"p", res.ParentPubkey})
	}

	if strings.HasPrefix(content, ":") && strings.HasSuffix(content, ":") {
		name := strings.Trim(content, ":")
		for _, tag := range object.MustGetRawSlice("tag") {
			if tag.MustGetString("type") == "Emoji" && strings.Trim(tag.MustGetString("name"), ":") == name {
				tags = append(tags, nostr.Tag{"emoji", name, tag.MustGetString("icon.url")})
			}
		}
	}

	tags = append(tags, nostr.Tag{"proxy", object.MustGetString("id"), world.ProxyProtocolActivityPub})

	return nostr.Event{
		PubKey:    res.AuthorPubkey,
		CreatedAt: publishedAt(object),
		Kind:      nostr.KindReaction,
		Tags:      tags,
		Content:   content,
	}, nil
}

// AnnounceToRepost converts an inbound Announce into an unsigned kind-6
// draft.
func (t *Translator) AnnounceToRepost(object *types.RawApObj, res ResolvedInbound) (nostr.Event, error) {
	if res.ParentEventID == "" {
		return nostr.Event{}, errors.New("announce target unresolved")
	}

	tags := nostr.Tags{
		nostr.Tag{"e", res.ParentEventID},
	}
	if res.ParentPubkey != "" {
		tags = append(tags, nostr.Tag{"p", res.ParentPubkey})
	}
	tags = append(tags, nostr.Tag{"proxy", object.MustGetString("id"), world.ProxyProtocolActivityPub})

	return nostr.Event{
		PubKey:    res.AuthorPubkey,
		CreatedAt: publishedAt(object),
		Kind:      nostr.KindRepost,
		Tags:      tags,
	}, nil
}

// DeletionEvent builds an unsigned kind-5 draft retracting bridged
// events after an inbound Delete.
func (t *Translator) DeletionEvent(pubkey string, eventIDs []string, objectID string) nostr.Event {
	tags := nostr.Tags{}
	for _, id := range eventIDs {
		tags = append(tags, nostr.Tag{"e", id})
	}
	tags = append(tags, nostr.Tag{"proxy", objectID, world.ProxyProtocolActivityPub})

	return nostr.Event{
		PubKey:    pubkey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindDeletion,
		Tags:      tags,
	}
}

// ProfileFromActor maps an actor document onto kind-0 profile fields.
func ProfileFromActor(person *types.RawApObj) types.ProfileMetadata {
	name := person.MustGetString("name")
	if name == "" {
		name = person.MustGetString("preferredUsername")
	}

	summary := person.MustGetString("summary")
	if summary != "" {
		if text, err := htmlToText(strings.NewReader(summary)); err == nil {
			summary = text
		}
	}

	return types.ProfileMetadata{
		Name:        person.MustGetString("preferredUsername"),
		DisplayName: name,
		About:       summary,
		Picture:     person.MustGetString("icon.url"),
		Website:     person.MustGetString("url"),
	}
}

// ProfileEvent builds an unsigned kind-0 draft from profile fields.
func (t *Translator) ProfileEvent(pubkey string, meta types.ProfileMetadata, actorURL string) (nostr.Event, error) {
	content, err := json.Marshal(meta)
	if err != nil {
		return nostr.Event{}, err
	}

	return nostr.Event{
		PubKey:    pubkey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindProfileMetadata,
		Tags: nostr.Tags{
			nostr.Tag{"proxy", actorURL, world.ProxyProtocolActivityPub},
		},
		Content: string(content),
	}, nil
}

func publishedAt(object *types.RawApObj) nostr.Timestamp {
	date, err := time.Parse(time.RFC3339, object.MustGetString("published"))
	if err != nil {
		return nostr.Now()
	}
	return nostr.Timestamp(date.Unix())
}
