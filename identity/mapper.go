package identity

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"

	"github.com/hotaru-social/nostr-ap-bridge/types"
)

var tracer = otel.Tracer("identity")

// Persister is the slice of the store the mapper needs.
type Persister interface {
	GetActorByID(ctx context.Context, id string) (types.BridgedActor, error)
	CreateActor(ctx context.Context, actor types.BridgedActor) (types.BridgedActor, error)
	UpdateActorProfile(ctx context.Context, id, name, summary, iconURL string) error
	GetRemoteActor(ctx context.Context, actorURL string) (types.RemoteActor, error)
	UpsertRemoteActor(ctx context.Context, remote types.RemoteActor) (types.RemoteActor, error)
	SaveFollower(ctx context.Context, follower types.ApFollower) error
	GetFollowers(ctx context.Context, pubkey string) ([]types.ApFollower, error)
	GetFollowerByTuple(ctx context.Context, pubkey, remote string) (types.ApFollower, error)
	RemoveFollower(ctx context.Context, pubkey, remote string) (types.ApFollower, error)
	GetFollows(ctx context.Context, pubkey string) ([]types.ApFollow, error)
	SaveFollow(ctx context.Context, follow types.ApFollow) error
	RemoveFollow(ctx context.Context, pubkey, remote string) (types.ApFollow, error)
	GetFollowByID(ctx context.Context, id string) (types.ApFollow, error)
	UpdateFollow(ctx context.Context, follow types.ApFollow) (types.ApFollow, error)
}

// Mapper owns the identity mapping between the two protocols: a nostr
// pubkey gets a lazily materialized ActivityPub actor, a remote AP actor
// gets a deterministically derived nostr key.
type Mapper struct {
	store  Persister
	config types.ApConfig
	sf     singleflight.Group
}

func NewMapper(store Persister, config types.ApConfig) *Mapper {
	return &Mapper{
		store:  store,
		config: config,
	}
}

// ActorURL returns the canonical actor document URL for a bridged npub.
func (m *Mapper) ActorURL(npub string) string {
	return "https://" + m.config.FQDN + "/ap/acct/" + npub
}

// Handle returns the WebFinger handle for a bridged npub.
func (m *Mapper) Handle(npub string) string {
	return npub + "@" + m.config.FQDN
}

// Npub encodes a hex nostr pubkey as bech32.
func Npub(pubkey string) (string, error) {
	return nip19.EncodePublicKey(pubkey)
}

// PubkeyFromNpub decodes a bech32 npub back to the hex pubkey.
func PubkeyFromNpub(npub string) (string, error) {
	prefix, value, err := nip19.Decode(npub)
	if err != nil {
		return "", err
	}
	if prefix != "npub" {
		return "", fmt.Errorf("not an npub: %s", npub)
	}
	pubkey, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected npub payload")
	}
	return pubkey, nil
}

// ActorForPubkey returns the bridged actor for a nostr pubkey,
// materializing it on first sight. Concurrent callers for the same
// pubkey share one creation.
func (m *Mapper) ActorForPubkey(ctx context.Context, pubkey string) (types.BridgedActor, error) {
	ctx, span := tracer.Start(ctx, "ActorForPubkey")
	defer span.End()

	npub, err := Npub(pubkey)
	if err != nil {
		return types.BridgedActor{}, err
	}

	actor, err := m.store.GetActorByID(ctx, npub)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.BridgedActor{}, err
	}

	result, err, _ := m.sf.Do(npub, func() (any, error) {
		// lost the race if another flight finished between lookup and here
		actor, err := m.store.GetActorByID(ctx, npub)
		if err == nil {
			return actor, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return types.BridgedActor{}, err
		}
		return m.createActor(ctx, npub, pubkey)
	})
	if err != nil {
		return types.BridgedActor{}, err
	}
	return result.(types.BridgedActor), nil
}

func (m *Mapper) createActor(ctx context.Context, npub, pubkey string) (types.BridgedActor, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return types.BridgedActor{}, err
	}

	privKeyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(privKey),
		},
	)

	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	if err != nil {
		return types.BridgedActor{}, err
	}
	pubKeyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubKeyBytes,
		},
	)

	created, err := m.store.CreateActor(ctx, types.BridgedActor{
		ID:         npub,
		Pubkey:     pubkey,
		Publickey:  string(pubKeyPEM),
		Privatekey: string(privKeyPEM),
	})
	if err != nil {
		return types.BridgedActor{}, err
	}

	log.Printf("materialized actor %s for %s", m.ActorURL(npub), pubkey)
	return created, nil
}

// UpdateProfile applies relay-observed profile metadata to the actor row.
func (m *Mapper) UpdateProfile(ctx context.Context, pubkey string, meta types.ProfileMetadata) error {
	ctx, span := tracer.Start(ctx, "MapperUpdateProfile")
	defer span.End()

	actor, err := m.ActorForPubkey(ctx, pubkey)
	if err != nil {
		return err
	}

	name := meta.DisplayName
	if name == "" {
		name = meta.Name
	}
	return m.store.UpdateActorProfile(ctx, actor.ID, name, meta.About, meta.Picture)
}

// NormalizeActorURL strips the fragment and trailing slash so the same
// remote actor always derives the same key.
func NormalizeActorURL(actorURL string) string {
	if i := strings.IndexByte(actorURL, '#'); i >= 0 {
		actorURL = actorURL[:i]
	}
	return strings.TrimRight(actorURL, "/")
}

// DeriveSecret derives the nostr secret key for a remote actor URL.
// Pure function of (namespace key, normalized URL); the bridge can sign
// for the derived identity forever without storing the key.
func (m *Mapper) DeriveSecret(actorURL string) string {
	mac := hmac.New(sha256.New, []byte(m.config.SecretKey))
	mac.Write([]byte(NormalizeActorURL(actorURL)))
	return hex.EncodeToString(mac.Sum(nil))
}

// PubkeyForActor returns the derived nostr identity of a remote AP
// actor, persisting the mapping row the first time.
func (m *Mapper) PubkeyForActor(ctx context.Context, actorURL string) (types.RemoteActor, error) {
	ctx, span := tracer.Start(ctx, "PubkeyForActor")
	defer span.End()

	actorURL = NormalizeActorURL(actorURL)

	remote, err := m.store.GetRemoteActor(ctx, actorURL)
	if err == nil {
		return remote, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.RemoteActor{}, err
	}

	result, err, _ := m.sf.Do("remote:"+actorURL, func() (any, error) {
		derived, err := nostr.GetPublicKey(m.DeriveSecret(actorURL))
		if err != nil {
			return types.RemoteActor{}, err
		}
		return m.store.UpsertRemoteActor(ctx, types.RemoteActor{
			ActorURL:      actorURL,
			DerivedPubkey: derived,
		})
	})
	if err != nil {
		return types.RemoteActor{}, err
	}
	return result.(types.RemoteActor), nil
}

// RecordRemoteActor refreshes the delivery metadata learned from a
// fetched actor document.
func (m *Mapper) RecordRemoteActor(ctx context.Context, person *types.RawApObj) (types.RemoteActor, error) {
	ctx, span := tracer.Start(ctx, "RecordRemoteActor")
	defer span.End()

	actorURL := NormalizeActorURL(person.MustGetString("id"))
	if actorURL == "" {
		return types.RemoteActor{}, fmt.Errorf("actor document without id")
	}

	derived, err := nostr.GetPublicKey(m.DeriveSecret(actorURL))
	if err != nil {
		return types.RemoteActor{}, err
	}

	sharedInbox, _ := person.GetString("endpoints.sharedInbox")
	return m.store.UpsertRemoteActor(ctx, types.RemoteActor{
		ActorURL:      actorURL,
		DerivedPubkey: derived,
		Inbox:         person.MustGetString("inbox"),
		SharedInbox:   sharedInbox,
		Name:          person.MustGetString("name"),
	})
}

// AddFollower records a federation-observed follower edge. Federation
// state wins: an existing edge for the tuple is replaced, not rejected.
func (m *Mapper) AddFollower(ctx context.Context, follower types.ApFollower) error {
	ctx, span := tracer.Start(ctx, "MapperAddFollower")
	defer span.End()

	follower.SubscriberPersonURL = NormalizeActorURL(follower.SubscriberPersonURL)

	if _, err := m.store.GetFollowerByTuple(ctx, follower.PublisherPubkey, follower.SubscriberPersonURL); err == nil {
		if _, err := m.store.RemoveFollower(ctx, follower.PublisherPubkey, follower.SubscriberPersonURL); err != nil {
			return err
		}
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}

	return m.store.SaveFollower(ctx, follower)
}

// RemoveFollower drops a follower edge. Missing edges are not an error;
// Undo activities arrive more than once.
func (m *Mapper) RemoveFollower(ctx context.Context, pubkey, remoteURL string) error {
	ctx, span := tracer.Start(ctx, "MapperRemoveFollower")
	defer span.End()

	_, err := m.store.RemoveFollower(ctx, pubkey, NormalizeActorURL(remoteURL))
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	return err
}

// FollowerInboxes returns the deduplicated delivery targets for a
// bridged identity, preferring shared inboxes.
func (m *Mapper) FollowerInboxes(ctx context.Context, pubkey string) ([]string, error) {
	followers, err := m.store.GetFollowers(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var inboxes []string
	for _, f := range followers {
		if f.SubscriberInbox == "" || seen[f.SubscriberInbox] {
			continue
		}
		seen[f.SubscriberInbox] = true
		inboxes = append(inboxes, f.SubscriberInbox)
	}
	return inboxes, nil
}

// DiffFollows reconciles a relay-observed contact list against the
// persisted follow set, returning the remote actors newly followed and
// unfollowed. Edges already confirmed by federation are authoritative:
// a relay-side disappearance of an accepted follow is reported, the
// caller decides whether to send Undo.
func (m *Mapper) DiffFollows(ctx context.Context, pubkey string, current []string) (added []string, removed []types.ApFollow, err error) {
	ctx, span := tracer.Start(ctx, "MapperDiffFollows")
	defer span.End()

	existing, err := m.store.GetFollows(ctx, pubkey)
	if err != nil {
		return nil, nil, err
	}

	have := make(map[string]types.ApFollow, len(existing))
	for _, f := range existing {
		have[f.PublisherPersonURL] = f
	}

	want := make(map[string]bool, len(current))
	for _, u := range current {
		u = NormalizeActorURL(u)
		want[u] = true
		if _, ok := have[u]; !ok {
			added = append(added, u)
		}
	}

	for url, f := range have {
		if !want[url] {
			removed = append(removed, f)
		}
	}
	return added, removed, nil
}
