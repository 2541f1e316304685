package types

import (
	"time"

	"github.com/lib/pq"
)

// BridgedActor is a db model of the ActivityPub actor materialized for a
// nostr identity. ID is the bech32 npub, which doubles as the local
// username. The RSA key pair is generated once at first materialization
// and never rotated.
type BridgedActor struct {
	ID          string         `json:"id" gorm:"primaryKey;type:text"`
	Pubkey      string         `json:"pubkey" gorm:"type:char(64);uniqueIndex"`
	Publickey   string         `json:"publickey" gorm:"type:text"`
	Privatekey  string         `json:"-" gorm:"type:text"`
	Name        string         `json:"name" gorm:"type:text"`
	Summary     string         `json:"summary" gorm:"type:text"`
	IconURL     string         `json:"iconURL" gorm:"type:text"`
	AlsoKnownAs pq.StringArray `json:"aliases" gorm:"type:text[]"`
	CreatedAt   time.Time      `json:"cdate" gorm:"autoCreateTime"`
}

// RemoteActor is a db model of the nostr identity derived for a remote
// ActivityPub actor. DerivedPubkey is a pure function of the actor URL
// and the bridge namespace key, so the row is a persisted cache of that
// mapping plus the delivery metadata learned from the actor document.
type RemoteActor struct {
	ActorURL      string    `json:"actorURL" gorm:"primaryKey;type:text"`
	DerivedPubkey string    `json:"derivedPubkey" gorm:"type:char(64);uniqueIndex"`
	Inbox         string    `json:"inbox" gorm:"type:text"`
	SharedInbox   string    `json:"sharedInbox" gorm:"type:text"`
	Name          string    `json:"name" gorm:"type:text"`
	UpdatedAt     time.Time `json:"mdate" gorm:"autoUpdateTime"`
}

// ApFollower is a db model of a remote ActivityPub actor following a
// bridged nostr identity.
// Activitypub -> Nostr
type ApFollower struct {
	ID                  string `json:"id" gorm:"type:text"`
	SubscriberPersonURL string `json:"subscriber" gorm:"type:text;uniqueIndex:uniq_apfollower;"`
	SubscriberInbox     string `json:"subscriber_inbox" gorm:"type:text"`
	PublisherPubkey     string `json:"publisher" gorm:"type:char(64);uniqueIndex:uniq_apfollower;"`
}

// ApFollow is a db model of a nostr identity following a remote
// ActivityPub actor, observed from relay contact lists.
// Nostr -> Activitypub
type ApFollow struct {
	ID                 string `json:"id" gorm:"type:text"`
	PublisherPersonURL string `json:"publisher" gorm:"type:text;uniqueIndex:uniq_apfollow;"`
	SubscriberPubkey   string `json:"subscriber" gorm:"type:char(64);uniqueIndex:uniq_apfollow;"`
	Accepted           bool   `json:"accepted" gorm:"type:bool"`
}

// ApObjectReference is a db model of an ActivityPub object id to nostr
// event id cross reference.
type ApObjectReference struct {
	ApObjectID string `json:"apObjectID" gorm:"primaryKey;type:text;"`
	EventID    string `json:"eventID" gorm:"type:char(64);index"`
}
