package api

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hotaru-social/nostr-ap-bridge/identity"
	"github.com/hotaru-social/nostr-ap-bridge/types"
)

func TestResolvedActorReportsDerivedIdentity(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pubkey, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("deriving pubkey: %v", err)
	}

	doc, err := json.Marshal(map[string]any{
		"id":    "https://remote.example/users/alice",
		"type":  "Person",
		"inbox": "https://remote.example/users/alice/inbox",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	person, err := types.LoadAsRawApObj(doc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	remote := types.RemoteActor{
		ActorURL:      "https://remote.example/users/alice",
		DerivedPubkey: pubkey,
	}

	resolved, err := resolvedActorFrom(remote, person)
	if err != nil {
		t.Fatalf("resolvedActorFrom: %v", err)
	}

	if resolved.ActorURL != remote.ActorURL {
		t.Errorf("actor URL = %q, want %q", resolved.ActorURL, remote.ActorURL)
	}
	if resolved.DerivedPubkey != pubkey {
		t.Errorf("derived pubkey = %q, want %q", resolved.DerivedPubkey, pubkey)
	}

	decoded, err := identity.PubkeyFromNpub(resolved.DerivedNpub)
	if err != nil {
		t.Fatalf("decoding npub %q: %v", resolved.DerivedNpub, err)
	}
	if decoded != pubkey {
		t.Errorf("npub decodes to %q, want %q", decoded, pubkey)
	}

	if got := resolved.Person["inbox"]; got != "https://remote.example/users/alice/inbox" {
		t.Errorf("person inbox = %v", got)
	}
}
