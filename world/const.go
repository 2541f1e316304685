package world

// ActivityStreams constants shared across the bridge.
const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	PublicAddress          = "https://www.w3.org/ns/activitystreams#Public"

	ActivityJSONType = "application/activity+json"
	JRDJSONType      = "application/jrd+json"
)

// CanonicalLikeContent is the fixed nostr reaction mapped from an
// ActivityPub Like that carries no emoji content.
const CanonicalLikeContent = "+"

// Proxy tag protocol labels (NIP-48). Bridged events carry the origin
// object id under these so loops are detectable on both sides.
const (
	ProxyProtocolActivityPub = "activitypub"
	ProxyProtocolWeb         = "web"
)

// PublicAddressed reports whether an activity's to/cc addressing makes
// it publicly visible. Remote software spells the public collection in
// several ways.
func PublicAddressed(to, cc []string) bool {
	for _, a := range append(append([]string{}, to...), cc...) {
		switch a {
		case PublicAddress, "Public", "as:Public":
			return true
		}
	}
	return false
}
