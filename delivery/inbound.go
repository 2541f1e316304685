package delivery

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/totegamma/httpsig"
	"go.opentelemetry.io/otel"

	"github.com/hotaru-social/nostr-ap-bridge/types"
)

// PersonFetcher fetches a remote actor document, optionally bypassing
// the cache.
type PersonFetcher interface {
	FetchPerson(ctx context.Context, actorURL string, execActor types.BridgedActor, force bool) (*types.RawApObj, error)
}

// Verifier checks inbound HTTP signatures against the sender's
// published key.
type Verifier struct {
	fetcher PersonFetcher
}

func NewVerifier(fetcher PersonFetcher) *Verifier {
	return &Verifier{fetcher: fetcher}
}

// Verify validates the signature of an inbound request and returns the
// signing actor's URL. A stale cached key is tolerated once: on
// mismatch the actor document is re-fetched fresh and the signature
// checked again, covering remote key rotation. Failure after that is
// types.ErrSignatureInvalid and the request must cause no side effects.
func (v *Verifier) Verify(ctx context.Context, req *http.Request, execActor types.BridgedActor) (string, error) {
	ctx, span := otel.Tracer("delivery").Start(ctx, "VerifySignature")
	defer span.End()

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", errors.Wrap(types.ErrSignatureInvalid, err.Error())
	}

	keyID := verifier.KeyId()
	actorURL := keyID
	if i := strings.IndexByte(actorURL, '#'); i >= 0 {
		actorURL = actorURL[:i]
	}

	pubKey, err := v.fetchKey(ctx, actorURL, execActor, false)
	if err != nil {
		return "", err
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		// cached key may be rotated, re-fetch once and retry
		pubKey, err = v.fetchKey(ctx, actorURL, execActor, true)
		if err != nil {
			return "", err
		}
		if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
			span.RecordError(err)
			return "", errors.Wrap(types.ErrSignatureInvalid, err.Error())
		}
	}

	return actorURL, nil
}

// VerifyDigest checks a Digest header against the body it claims to
// cover. The signature proves the header; this proves the header still
// matches the bytes that arrived.
func VerifyDigest(header string, body []byte) error {
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		sum := sha256.Sum256(body)
		if base64.StdEncoding.EncodeToString(sum[:]) != value {
			return errors.Wrap(types.ErrSignatureInvalid, "digest does not match body")
		}
		return nil
	}
	return errors.Wrap(types.ErrSignatureInvalid, "no sha-256 digest")
}

func (v *Verifier) fetchKey(ctx context.Context, actorURL string, execActor types.BridgedActor, force bool) (*rsa.PublicKey, error) {
	person, err := v.fetcher.FetchPerson(ctx, actorURL, execActor, force)
	if err != nil {
		return nil, errors.Wrap(err, "fetching signer")
	}

	pubKeyPem := person.MustGetString("publicKey.publicKeyPem")
	if pubKeyPem == "" {
		return nil, errors.Wrap(types.ErrSignatureInvalid, "signer has no published key")
	}

	return ParsePublicKey(pubKeyPem)
}

// ParsePublicKey decodes a PEM encoded RSA public key, accepting both
// PKIX and PKCS1 encodings found in the wild.
func ParsePublicKey(pubKeyPem string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pubKeyPem))
	if block == nil {
		return nil, errors.Wrap(types.ErrSignatureInvalid, "invalid PEM block")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.Wrap(types.ErrSignatureInvalid, "signer key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(types.ErrSignatureInvalid, "unparsable signer key")
	}
	return rsaKey, nil
}
