package translate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/pkg/errors"

	"github.com/hotaru-social/nostr-ap-bridge/types"
	"github.com/hotaru-social/nostr-ap-bridge/world"
)

// Kind is the closed set of event shapes the bridge translates. Anything
// else is Unsupported and gets skipped, never guessed at.
type Kind int

const (
	KindUnsupported Kind = iota
	KindNote
	KindReply
	KindReaction
	KindRepost
	KindProfile
	KindFollowList
	KindDeletion
)

func (k Kind) String() string {
	switch k {
	case KindNote:
		return "note"
	case KindReply:
		return "reply"
	case KindReaction:
		return "reaction"
	case KindRepost:
		return "repost"
	case KindProfile:
		return "profile"
	case KindFollowList:
		return "follow-list"
	case KindDeletion:
		return "deletion"
	}
	return "unsupported"
}

// Classify maps a nostr event onto the translatable kinds.
func Classify(ev *nostr.Event) Kind {
	switch ev.Kind {
	case nostr.KindTextNote:
		if ReplyTarget(ev) != "" {
			return KindReply
		}
		return KindNote
	case nostr.KindReaction:
		return KindReaction
	case nostr.KindRepost:
		return KindRepost
	case nostr.KindProfileMetadata:
		return KindProfile
	case nostr.KindContactList:
		return KindFollowList
	case nostr.KindDeletion:
		return KindDeletion
	}
	return KindUnsupported
}

// ReplyTarget returns the event id a note replies to, preferring the
// NIP-10 reply marker and falling back to the last e tag.
func ReplyTarget(ev *nostr.Event) string {
	var last string
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		if len(tag) >= 4 && tag[3] == "reply" {
			return tag[1]
		}
		last = tag[1]
	}
	return last
}

// ContactPubkeys returns the followed pubkeys of a contact list event.
func ContactPubkeys(ev *nostr.Event) []string {
	var pubkeys []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			pubkeys = append(pubkeys, tag[1])
		}
	}
	return pubkeys
}

// DeletionTargets returns the event ids a deletion event retracts.
func DeletionTargets(ev *nostr.Event) []string {
	var ids []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			ids = append(ids, tag[1])
		}
	}
	return ids
}

// ContentWarning returns the content-warning reason and whether the
// event carries one at all. An empty reason still marks sensitivity.
func ContentWarning(ev *nostr.Event) (string, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 1 && tag[0] == "content-warning" {
			if len(tag) >= 2 {
				return tag[1], true
			}
			return "", true
		}
	}
	return "", false
}

// ProxiedFrom returns the origin object id of an event already bridged
// from another protocol, per its proxy tag.
func ProxiedFrom(ev *nostr.Event) (string, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 3 && tag[0] == "proxy" && tag[2] == world.ProxyProtocolActivityPub {
			return tag[1], true
		}
	}
	return "", false
}

// ParseProfile decodes a kind-0 content payload.
func ParseProfile(ev *nostr.Event) (types.ProfileMetadata, error) {
	var meta types.ProfileMetadata
	if err := json.Unmarshal([]byte(ev.Content), &meta); err != nil {
		return types.ProfileMetadata{}, errors.Wrap(err, "invalid profile payload")
	}
	return meta, nil
}

// ---------------------------------------------------------------------

// Resolved is the lookup-free view of everything an outbound translation
// needs. The coordinator resolves identities and parents up front so
// translation itself stays pure.
type Resolved struct {
	ActorURL    string            // author's actor document URL
	Followers   string            // author's followers collection URL
	Mentions    map[string]string // mentioned hex pubkey -> remote actor URL
	ParentRef   string            // AP object id of the reply/reaction/repost target
	ParentActor string            // actor URL of the target's author
}

// Translator converts between nostr events and ActivityPub objects. It
// holds only the bridge hostname and performs no I/O.
type Translator struct {
	fqdn string
}

func NewTranslator(fqdn string) *Translator {
	return &Translator{fqdn: fqdn}
}

// NoteURL returns the canonical object URL of a bridged nostr event.
func (t *Translator) NoteURL(eventID string) string {
	return "https://" + t.fqdn + "/ap/note/" + eventID
}

// NoteToActivity converts a kind-1 note into a Create activity with the
// Note embedded. A reply whose parent could not be resolved degrades to
// a top-level note and reports the loss.
func (t *Translator) NoteToActivity(ev *nostr.Event, res Resolved) (types.ApObject, []types.Degradation, error) {
	var degradations []types.Degradation

	content, tags, ccMentions := t.renderMentions(ev.Content, res.Mentions)

	attachments, content := extractMedia(ev, content)

	inReplyTo := ""
	if parent := ReplyTarget(ev); parent != "" {
		if res.ParentRef != "" {
			inReplyTo = res.ParentRef
			if res.ParentActor != "" {
				ccMentions = append(ccMentions, res.ParentActor)
				tags = append(tags, types.Tag{Type: "Mention", Href: res.ParentActor})
			}
		} else {
			degradations = append(degradations, types.Degradation{
				Reason:  "reply parent unresolved, sent as top-level note",
				Subject: parent,
			})
		}
	}

	summary, sensitive := ContentWarning(ev)
	if sensitive && summary == "" {
		summary = "sensitive"
	}

	cc := append([]string{res.Followers}, ccMentions...)

	note := types.ApObject{
		Context:      world.ActivityStreamsContext,
		Type:         "Note",
		ID:           t.NoteURL(ev.ID),
		AttributedTo: res.ActorURL,
		Content:      textToHTML(content),
		Summary:      summary,
		Sensitive:    sensitive,
		InReplyTo:    inReplyTo,
		Published:    ev.CreatedAt.Time().Format(time.RFC3339),
		To:           []string{world.PublicAddress},
		CC:           cc,
		Tag:          tags,
		Attachment:   attachments,
	}

	return types.ApObject{
		Context: world.ActivityStreamsContext,
		Type:    "Create",
		ID:      t.NoteURL(ev.ID) + "/activity",
		Actor:   res.ActorURL,
		To:      note.To,
		CC:      note.CC,
		Object:  note,
	}, degradations, nil
}

// renderMentions rewrites nostr:npub references as links and collects
// Mention tags for the ones the coordinator resolved. Unresolved
// references stay as plain text and produce no tag.
func (t *Translator) renderMentions(content string, mentions map[string]string) (string, []types.Tag, []string) {
	var tags []types.Tag
	var cc []string

	out := mentionPattern.ReplaceAllStringFunc(content, func(match string) string {
		npub := strings.TrimPrefix(match, "nostr:")
		prefix, value, err := nip19.Decode(npub)
		if err != nil || prefix != "npub" {
			return match
		}
		pubkey, ok := value.(string)
		if !ok {
			return match
		}
		actorURL, ok := mentions[pubkey]
		if !ok {
			return match
		}
		handle := "@" + npub[:12] + "…"
		tags = append(tags, types.Tag{Type: "Mention", Href: actorURL, Name: handle})
		cc = append(cc, actorURL)
		return "[" + handle + "](" + actorURL + ")"
	})

	return out, tags, cc
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif"}

// extractMedia collects attachments from imeta tags and from bare image
// URLs in the text. Non-image URLs pass through as links.
func extractMedia(ev *nostr.Event, content string) ([]types.Attachment, string) {
	var attachments []types.Attachment
	seen := make(map[string]bool)

	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "imeta" {
			continue
		}
		var u, mediaType string
		for _, field := range tag[1:] {
			if v, ok := strings.CutPrefix(field, "url "); ok {
				u = v
			}
			if v, ok := strings.CutPrefix(field, "m "); ok {
				mediaType = v
			}
		}
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		attachments = append(attachments, types.Attachment{
			Type:      "Document",
			MediaType: mediaType,
			URL:       u,
		})
	}

	content = urlPattern.ReplaceAllStringFunc(content, func(u string) string {
		lower := strings.ToLower(u)
		for _, ext := range imageExtensions {
			if strings.HasSuffix(lower, ext) {
				if !seen[u] {
					seen[u] = true
					attachments = append(attachments, types.Attachment{
						Type: "Document",
						URL:  u,
					})
				}
				return ""
			}
		}
		return u
	})

	return attachments, strings.TrimRight(content, " \n")
}

// ReactionToLike converts a kind-7 reaction into a Like. The target must
// already be resolved to an AP object id.
func (t *Translator) ReactionToLike(ev *nostr.Event, res Resolved) (types.ApObject, error) {
	if res.ParentRef == "" {
		return types.ApObject{}, errors.New("reaction target unresolved")
	}

	content := ev.Content
	if content == world.CanonicalLikeContent {
		content = ""
	}

	var tags []types.Tag
	if strings.HasPrefix(content, ":") && strings.HasSuffix(content, ":") {
		name := strings.Trim(content, ":")
		for _, tag := range ev.Tags {
			if len(tag) >= 3 && tag[0] == "emoji" && tag[1] == name {
				tags = append(tags, types.Tag{
					Type: "Emoji",
					Name: ":" + name + ":",
					Icon: &types.Icon{Type: "Image", URL: tag[2]},
				})
			}
		}
	}

	like := types.ApObject{
		Context: world.ActivityStreamsContext,
		Type:    "Like",
		ID:      "https://" + t.fqdn + "/ap/like/" + ev.ID,
		Actor:   res.ActorURL,
		Object:  res.ParentRef,
		Content: content,
		Tag:     tags,
	}
	if res.ParentActor != "" {
		like.To = []string{res.ParentActor}
	}
	return like, nil
}

// RepostToAnnounce converts a kind-6 repost into an Announce.
func (t *Translator) RepostToAnnounce(ev *nostr.Event, res Resolved) (types.ApObject, error) {
	if res.ParentRef == "" {
		return types.ApObject{}, errors.New("repost target unresolved")
	}

	return types.ApObject{
		Context:   world.ActivityStreamsContext,
		Type:      "Announce",
		ID:        t.NoteURL(ev.ID),
		Actor:     res.ActorURL,
		Object:    res.ParentRef,
		Published: ev.CreatedAt.Time().Format(time.RFC3339),
		To:        []string{world.PublicAddress},
		CC:        []string{res.Followers},
	}, nil
}

// DeletionToDeletes converts a kind-5 deletion into one Delete activity
// per retracted event. Bridged note URLs are deterministic, so no lookup
// is needed for the Tombstones.
func (t *Translator) DeletionToDeletes(ev *nostr.Event, res Resolved) []types.ApObject {
	var deletes []types.ApObject
	for _, target := range DeletionTargets(ev) {
		deletes = append(deletes, types.ApObject{
			Context: world.ActivityStreamsContext,
			Type:    "Delete",
			ID:      t.NoteURL(target) + "/delete",
			Actor:   res.ActorURL,
			To:      []string{world.PublicAddress},
			Object: types.ApObject{
				Type: "Tombstone",
				ID:   t.NoteURL(target),
			},
		})
	}
	return deletes
}

// FollowActivity builds the Follow sent when a relay-observed contact
// list gains a remote actor.
func (t *Translator) FollowActivity(id, followerActorURL, followedActorURL string) types.ApObject {
	return types.ApObject{
		Context: world.ActivityStreamsContext,
		Type:    "Follow",
		ID:      "https://" + t.fqdn + "/ap/follow/" + id,
		Actor:   followerActorURL,
		Object:  followedActorURL,
	}
}

// UndoActivity wraps an activity in an Undo.
func (t *Translator) UndoActivity(inner types.ApObject) types.ApObject {
	return types.ApObject{
		Context: world.ActivityStreamsContext,
		Type:    "Undo",
		ID:      inner.ID + "/undo",
		Actor:   inner.Actor,
		Object:  inner,
	}
}

// AcceptActivity builds the Accept returned for an inbound Follow.
func (t *Translator) AcceptActivity(localActorURL string, follow *types.RawApObj) types.ApObject {
	return types.ApObject{
		Context: world.ActivityStreamsContext,
		Type:    "Accept",
		ID:      localActorURL + "/follows/" + mustShortID(follow),
		Actor:   localActorURL,
		Object:  follow.GetData(),
	}
}

func mustShortID(obj *types.RawApObj) string {
	id := obj.MustGetString("id")
	if i := strings.LastIndexByte(id, '/'); i >= 0 && i+1 < len(id) {
		return id[i+1:]
	}
	return "accept"
}
