package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/hotaru-social/nostr-ap-bridge/types"
	"github.com/hotaru-social/nostr-ap-bridge/world"
)

const fqdn = "bridge.example.com"

func newTestKey(t *testing.T) (string, string) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	return sk, pk
}

func signedNote(t *testing.T, sk, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	ev := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindTextNote,
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &ev
}

// reload round-trips an ApObject through JSON into the tolerant accessor,
// the same shape an inbound POST body has.
func reload(t *testing.T, obj any) *types.RawApObj {
	t.Helper()
	b, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw, err := types.LoadAsRawApObj(b)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return raw
}

func TestClassify(t *testing.T) {
	cases := []struct {
		kind int
		tags nostr.Tags
		want Kind
	}{
		{nostr.KindTextNote, nil, KindNote},
		{nostr.KindTextNote, nostr.Tags{{"e", "abc", "", "reply"}}, KindReply},
		{nostr.KindReaction, nil, KindReaction},
		{nostr.KindRepost, nil, KindRepost},
		{nostr.KindProfileMetadata, nil, KindProfile},
		{nostr.KindContactList, nil, KindFollowList},
		{nostr.KindDeletion, nil, KindDeletion},
		{30023, nil, KindUnsupported},
	}
	for _, c := range cases {
		ev := &nostr.Event{Kind: c.kind, Tags: c.tags}
		if got := Classify(ev); got != c.want {
			t.Errorf("Classify(kind=%d) = %s, want %s", c.kind, got, c.want)
		}
	}
}

func TestReplyTargetPrefersMarker(t *testing.T) {
	ev := &nostr.Event{Tags: nostr.Tags{
		{"e", "root", "", "root"},
		{"e", "parent", "", "reply"},
	}}
	if got := ReplyTarget(ev); got != "parent" {
		t.Errorf("ReplyTarget = %s, want parent", got)
	}

	ev = &nostr.Event{Tags: nostr.Tags{{"e", "root"}}}
	if got := ReplyTarget(ev); got != "root" {
		t.Errorf("ReplyTarget fallback = %s, want root", got)
	}
}

func TestNoteRoundTrip(t *testing.T) {
	tr := NewTranslator(fqdn)
	sk, pk := newTestKey(t)

	ev := signedNote(t, sk, "hello from the other side", nil)

	actorURL := "https://" + fqdn + "/ap/acct/someone"
	activity, degradations, err := tr.NoteToActivity(ev, Resolved{
		ActorURL:  actorURL,
		Followers: actorURL + "/followers",
	})
	if err != nil {
		t.Fatalf("NoteToActivity: %v", err)
	}
	if len(degradations) != 0 {
		t.Fatalf("unexpected degradations: %v", degradations)
	}
	if activity.Type != "Create" {
		t.Fatalf("activity type = %s", activity.Type)
	}

	note := reload(t, activity.Object)
	if got := note.MustGetString("attributedTo"); got != actorURL {
		t.Errorf("attributedTo = %s", got)
	}

	draft, degradations, err := tr.ActivityToNote(note, ResolvedInbound{AuthorPubkey: pk})
	if err != nil {
		t.Fatalf("ActivityToNote: %v", err)
	}
	if len(degradations) != 0 {
		t.Fatalf("unexpected degradations: %v", degradations)
	}
	if draft.Content != ev.Content {
		t.Errorf("content round-tripped to %q, want %q", draft.Content, ev.Content)
	}
	if draft.PubKey != pk {
		t.Errorf("author round-tripped to %s", draft.PubKey)
	}
	if _, ok := ProxiedFrom(&draft); !ok {
		t.Errorf("round-tripped draft lost its proxy tag")
	}
}

func TestNoteToActivityResolvedReply(t *testing.T) {
	tr := NewTranslator(fqdn)
	sk, _ := newTestKey(t)

	ev := signedNote(t, sk, "replying", nostr.Tags{{"e", "aaaa", "", "reply"}})
	activity, degradations, err := tr.NoteToActivity(ev, Resolved{
		ActorURL:    "https://bridge.example.com/ap/acct/x",
		Followers:   "https://bridge.example.com/ap/acct/x/followers",
		ParentRef:   "https://remote.example/notes/1",
		ParentActor: "https://remote.example/users/alice",
	})
	if err != nil {
		t.Fatalf("NoteToActivity: %v", err)
	}
	if len(degradations) != 0 {
		t.Fatalf("resolved reply degraded: %v", degradations)
	}

	note := reload(t, activity.Object)
	if got := note.MustGetString("inReplyTo"); got != "https://remote.example/notes/1" {
		t.Errorf("inReplyTo = %s", got)
	}
	if !strings.Contains(strings.Join(note.MustGetStringSlice("cc"), " "), "https://remote.example/users/alice") {
		t.Errorf("parent author not cc'd: %v", note.MustGetStringSlice("cc"))
	}
}

func TestNoteToActivityDegradesUnresolvedReply(t *testing.T) {
	tr := NewTranslator(fqdn)
	sk, _ := newTestKey(t)

	ev := signedNote(t, sk, "replying into the void", nostr.Tags{{"e", "aaaa", "", "reply"}})
	activity, degradations, err := tr.NoteToActivity(ev, Resolved{
		ActorURL:  "https://bridge.example.com/ap/acct/x",
		Followers: "https://bridge.example.com/ap/acct/x/followers",
	})
	if err != nil {
		t.Fatalf("NoteToActivity: %v", err)
	}
	if len(degradations) != 1 {
		t.Fatalf("got %d degradations, want 1", len(degradations))
	}

	note := reload(t, activity.Object)
	if got := note.MustGetString("inReplyTo"); got != "" {
		t.Errorf("degraded note still replies to %s", got)
	}
	if got := note.MustGetString("content"); got == "" {
		t.Errorf("degraded note lost its content")
	}
}

func TestActivityToNoteDegradesUnresolvedParent(t *testing.T) {
	tr := NewTranslator(fqdn)

	note := reload(t, map[string]any{
		"id":        "https://remote.example/notes/2",
		"type":      "Note",
		"content":   "<p>orphaned reply</p>",
		"inReplyTo": "https://remote.example/notes/long-gone",
	})

	draft, degradations, err := tr.ActivityToNote(note, ResolvedInbound{AuthorPubkey: "ab"})
	if err != nil {
		t.Fatalf("ActivityToNote: %v", err)
	}
	if len(degradations) != 1 {
		t.Fatalf("got %d degradations, want 1", len(degradations))
	}
	if tag := draft.Tags.GetFirst([]string{"e"}); tag != nil {
		t.Errorf("degraded draft still carries e tag %v", tag)
	}
	if draft.Content != "orphaned reply" {
		t.Errorf("content = %q", draft.Content)
	}
}

func TestMentionRendering(t *testing.T) {
	tr := NewTranslator(fqdn)
	sk, _ := newTestKey(t)
	_, mentionedPk := newTestKey(t)
	npub, err := nip19.EncodePublicKey(mentionedPk)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}

	mentionURL := "https://remote.example/users/bob"
	ev := signedNote(t, sk, "hey nostr:"+npub+" look at this", nostr.Tags{{"p", mentionedPk}})

	activity, _, err := tr.NoteToActivity(ev, Resolved{
		ActorURL:  "https://bridge.example.com/ap/acct/x",
		Followers: "https://bridge.example.com/ap/acct/x/followers",
		Mentions:  map[string]string{mentionedPk: mentionURL},
	})
	if err != nil {
		t.Fatalf("NoteToActivity: %v", err)
	}

	note := reload(t, activity.Object)
	var mentioned bool
	for _, tag := range note.MustGetRawSlice("tag") {
		if tag.MustGetString("type") == "Mention" && tag.MustGetString("href") == mentionURL {
			mentioned = true
		}
	}
	if !mentioned {
		t.Errorf("resolved mention produced no Mention tag")
	}
	if strings.Contains(note.MustGetString("content"), "nostr:") {
		t.Errorf("raw nostr reference leaked into content: %s", note.MustGetString("content"))
	}
}

func TestUnresolvableMentionDroppedSilently(t *testing.T) {
	tr := NewTranslator(fqdn)
	sk, _ := newTestKey(t)
	_, mentionedPk := newTestKey(t)
	npub, _ := nip19.EncodePublicKey(mentionedPk)

	ev := signedNote(t, sk, "hey nostr:"+npub, nostr.Tags{{"p", mentionedPk}})
	activity, _, err := tr.NoteToActivity(ev, Resolved{
		ActorURL:  "https://bridge.example.com/ap/acct/x",
		Followers: "https://bridge.example.com/ap/acct/x/followers",
	})
	if err != nil {
		t.Fatalf("NoteToActivity: %v", err)
	}

	note := reload(t, activity.Object)
	for _, tag := range note.MustGetRawSlice("tag") {
		if tag.MustGetString("type") == "Mention" {
			t.Errorf("unresolved mention produced a tag: %v", tag.GetData())
		}
	}
}

func TestContentWarningMapping(t *testing.T) {
	tr := NewTranslator(fqdn)
	sk, pk := newTestKey(t)

	ev := signedNote(t, sk, "spoilers within", nostr.Tags{{"content-warning", "season finale"}})
	activity, _, err := tr.NoteToActivity(ev, Resolved{
		ActorURL:  "https://bridge.example.com/ap/acct/x",
		Followers: "https://bridge.example.com/ap/acct/x/followers",
	})
	if err != nil {
		t.Fatalf("NoteToActivity: %v", err)
	}

	note := reload(t, activity.Object)
	if got := note.MustGetString("summary"); got != "season finale" {
		t.Errorf("summary = %q", got)
	}
	if !note.MustGetBool("sensitive") {
		t.Errorf("content warning did not mark the note sensitive")
	}

	draft, _, err := tr.ActivityToNote(note, ResolvedInbound{AuthorPubkey: pk})
	if err != nil {
		t.Fatalf("ActivityToNote: %v", err)
	}
	tag := draft.Tags.GetFirst([]string{"content-warning"})
	if tag == nil || len(*tag) < 2 || (*tag)[1] != "season finale" {
		t.Errorf("content-warning tag did not round-trip: %v", tag)
	}
}

func TestMediaExtraction(t *testing.T) {
	tr := NewTranslator(fqdn)
	sk, _ := newTestKey(t)

	ev := signedNote(t, sk,
		"look https://files.example/cat.png",
		nostr.Tags{{"imeta", "url https://files.example/dog.jpg", "m image/jpeg"}},
	)
	activity, _, err := tr.NoteToActivity(ev, Resolved{
		ActorURL:  "https://bridge.example.com/ap/acct/x",
		Followers: "https://bridge.example.com/ap/acct/x/followers",
	})
	if err != nil {
		t.Fatalf("NoteToActivity: %v", err)
	}

	note := reload(t, activity.Object)
	attachments := note.MustGetRawSlice("attachment")
	if len(attachments) != 2 {
		t.Fatalf("got %d attachments, want 2", len(attachments))
	}
	if strings.Contains(note.MustGetString("content"), "cat.png") {
		t.Errorf("extracted image URL still in content")
	}
}

func TestLikeToReactionCanonicalContent(t *testing.T) {
	tr := NewTranslator(fqdn)

	like := reload(t, map[string]any{
		"id":     "https://remote.example/likes/1",
		"type":   "Like",
		"actor":  "https://remote.example/users/alice",
		"object": "https://bridge.example.com/ap/note/abcd",
	})

	draft, err := tr.LikeToReaction(like, ResolvedInbound{
		AuthorPubkey:  "ab",
		ParentEventID: "abcd",
		ParentPubkey:  "cd",
	})
	if err != nil {
		t.Fatalf("LikeToReaction: %v", err)
	}
	if draft.Kind != nostr.KindReaction {
		t.Errorf("kind = %d", draft.Kind)
	}
	if draft.Content != world.CanonicalLikeContent {
		t.Errorf("content = %q, want %q", draft.Content, world.CanonicalLikeContent)
	}
	if tag := draft.Tags.GetFirst([]string{"e", "abcd"}); tag == nil {
		t.Errorf("missing e tag")
	}
}

func TestLikeToReactionCustomEmoji(t *testing.T) {
	tr := NewTranslator(fqdn)

	like := reload(t, map[string]any{
		"id":      "https://remote.example/likes/2",
		"type":    "Like",
		"content": ":blobcat:",
		"tag": []map[string]any{{
			"type": "Emoji",
			"name": ":blobcat:",
			"icon": map[string]any{"url": "https://remote.example/emoji/blobcat.png"},
		}},
	})

	draft, err := tr.LikeToReaction(like, ResolvedInbound{AuthorPubkey: "ab", ParentEventID: "abcd"})
	if err != nil {
		t.Fatalf("LikeToReaction: %v", err)
	}
	tag := draft.Tags.GetFirst([]string{"emoji", "blobcat"})
	if tag == nil || (*tag)[2] != "https://remote.example/emoji/blobcat.png" {
		t.Errorf("emoji tag = %v", tag)
	}
}

func TestReactionToLike(t *testing.T) {
	tr := NewTranslator(fqdn)
	sk, _ := newTestKey(t)
	ev := nostr.Event{Kind: nostr.KindReaction, Content: "+", Tags: nostr.Tags{{"e", "abcd"}}, CreatedAt: nostr.Now()}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}

	like, err := tr.ReactionToLike(&ev, Resolved{
		ActorURL:  "https://bridge.example.com/ap/acct/x",
		ParentRef: "https://remote.example/notes/9",
	})
	if err != nil {
		t.Fatalf("ReactionToLike: %v", err)
	}
	if like.Content != "" {
		t.Errorf("canonical reaction carried content %q", like.Content)
	}
	if like.Object != "https://remote.example/notes/9" {
		t.Errorf("object = %v", like.Object)
	}

	if _, err := tr.ReactionToLike(&ev, Resolved{}); err == nil {
		t.Errorf("unresolved reaction target did not error")
	}
}

func TestAnnounceRepostRoundTrip(t *testing.T) {
	tr := NewTranslator(fqdn)
	sk, pk := newTestKey(t)
	ev := nostr.Event{Kind: nostr.KindRepost, Tags: nostr.Tags{{"e", "abcd"}}, CreatedAt: nostr.Now()}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}

	announce, err := tr.RepostToAnnounce(&ev, Resolved{
		ActorURL:  "https://bridge.example.com/ap/acct/x",
		Followers: "https://bridge.example.com/ap/acct/x/followers",
		ParentRef: "https://remote.example/notes/9",
	})
	if err != nil {
		t.Fatalf("RepostToAnnounce: %v", err)
	}
	if announce.Type != "Announce" {
		t.Errorf("type = %s", announce.Type)
	}

	draft, err := tr.AnnounceToRepost(reload(t, announce), ResolvedInbound{
		AuthorPubkey:  pk,
		ParentEventID: "efgh",
	})
	if err != nil {
		t.Fatalf("AnnounceToRepost: %v", err)
	}
	if draft.Kind != nostr.KindRepost {
		t.Errorf("kind = %d", draft.Kind)
	}
}

func TestDeletionToDeletes(t *testing.T) {
	tr := NewTranslator(fqdn)
	ev := &nostr.Event{Kind: nostr.KindDeletion, Tags: nostr.Tags{{"e", "aaaa"}, {"e", "bbbb"}}}

	deletes := tr.DeletionToDeletes(ev, Resolved{ActorURL: "https://bridge.example.com/ap/acct/x"})
	if len(deletes) != 2 {
		t.Fatalf("got %d deletes, want 2", len(deletes))
	}
	tombstone, ok := deletes[0].Object.(types.ApObject)
	if !ok || tombstone.Type != "Tombstone" {
		t.Errorf("object = %#v", deletes[0].Object)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	tr := NewTranslator(fqdn)

	person := reload(t, map[string]any{
		"id":                "https://remote.example/users/alice",
		"preferredUsername": "alice",
		"name":              "Alice",
		"summary":           "<p>hi there</p>",
		"icon":              map[string]any{"url": "https://remote.example/alice.png"},
	})

	meta := ProfileFromActor(person)
	if meta.DisplayName != "Alice" || meta.Name != "alice" {
		t.Errorf("names = %q / %q", meta.DisplayName, meta.Name)
	}
	if meta.About != "hi there" {
		t.Errorf("about = %q", meta.About)
	}

	draft, err := tr.ProfileEvent("ab", meta, "https://remote.example/users/alice")
	if err != nil {
		t.Fatalf("ProfileEvent: %v", err)
	}
	if draft.Kind != nostr.KindProfileMetadata {
		t.Errorf("kind = %d", draft.Kind)
	}
	var decoded types.ProfileMetadata
	if err := json.Unmarshal([]byte(draft.Content), &decoded); err != nil {
		t.Fatalf("profile content: %v", err)
	}
	if decoded.Picture != "https://remote.example/alice.png" {
		t.Errorf("picture = %q", decoded.Picture)
	}
}

func TestStripLeadingMentions(t *testing.T) {
	in := "[@alice](https://remote.example/@alice) [@bob](https://remote.example/@bob) actual reply"
	if got := stripLeadingMentions(in); got != "actual reply" {
		t.Errorf("stripLeadingMentions = %q", got)
	}

	keep := "shoutout to [@alice](https://remote.example/@alice)"
	if got := stripLeadingMentions(keep); got != keep {
		t.Errorf("inline mention stripped: %q", got)
	}
}

func TestHTMLToText(t *testing.T) {
	got, err := htmlToText(strings.NewReader(`<p>first line<br>second</p><p>with a <a href="https://example.com">link</a></p>`))
	if err != nil {
		t.Fatalf("htmlToText: %v", err)
	}
	want := "first line\nsecond\n\nwith a [link](https://example.com)"
	if got != want {
		t.Errorf("htmlToText = %q, want %q", got, want)
	}
}
