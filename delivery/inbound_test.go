package delivery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/totegamma/httpsig"

	"github.com/hotaru-social/nostr-ap-bridge/types"
)

const remoteActorURL = "https://remote.example/users/alice"

func newRSAKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return priv, string(pubPEM)
}

func personWithKey(pubPEM string) *types.RawApObj {
	return types.RawApObjFromMap(map[string]any{
		"id":    remoteActorURL,
		"inbox": remoteActorURL + "/inbox",
		"publicKey": map[string]any{
			"id":           remoteActorURL + "#main-key",
			"publicKeyPem": pubPEM,
		},
	})
}

// rotatingFetcher serves a stale actor document until asked to bypass
// the cache.
type rotatingFetcher struct {
	cached  *types.RawApObj
	fresh   *types.RawApObj
	fetches int
	forced  int
}

func (f *rotatingFetcher) FetchPerson(ctx context.Context, actorURL string, execActor types.BridgedActor, force bool) (*types.RawApObj, error) {
	f.fetches++
	if force {
		f.forced++
		return f.fresh, nil
	}
	return f.cached, nil
}

func signedRequest(t *testing.T, priv *rsa.PrivateKey, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest("POST", "https://bridge.example.com/ap/inbox", strings.NewReader(body))
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", "bridge.example.com")
	req.Header.Set("Content-Type", "application/activity+json")

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	headersToSign := []string{httpsig.RequestTarget, "date", "digest", "host"}
	signer, _, err := httpsig.NewSigner(prefs, httpsig.DigestSha256, headersToSign, httpsig.Signature, 0)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if err := signer.SignRequest(priv, remoteActorURL+"#main-key", req, []byte(body)); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	return req
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	priv, pubPEM := newRSAKey(t)
	person := personWithKey(pubPEM)
	v := NewVerifier(&rotatingFetcher{cached: person, fresh: person})

	req := signedRequest(t, priv, `{"type":"Follow"}`)
	actorURL, err := v.Verify(context.Background(), req, types.BridgedActor{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if actorURL != remoteActorURL {
		t.Errorf("signer = %s, want %s", actorURL, remoteActorURL)
	}
}

func TestVerifyRetriesOnceAfterKeyRotation(t *testing.T) {
	_, oldPEM := newRSAKey(t)
	newKey, newPEM := newRSAKey(t)

	fetcher := &rotatingFetcher{
		cached: personWithKey(oldPEM),
		fresh:  personWithKey(newPEM),
	}
	v := NewVerifier(fetcher)

	req := signedRequest(t, newKey, `{"type":"Create"}`)
	actorURL, err := v.Verify(context.Background(), req, types.BridgedActor{})
	if err != nil {
		t.Fatalf("Verify after rotation: %v", err)
	}
	if actorURL != remoteActorURL {
		t.Errorf("signer = %s", actorURL)
	}
	if fetcher.forced != 1 {
		t.Errorf("forced refetches = %d, want 1", fetcher.forced)
	}
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	_, honestPEM := newRSAKey(t)
	forger, _ := newRSAKey(t)

	person := personWithKey(honestPEM)
	fetcher := &rotatingFetcher{cached: person, fresh: person}
	v := NewVerifier(fetcher)

	req := signedRequest(t, forger, `{"type":"Delete"}`)
	_, err := v.Verify(context.Background(), req, types.BridgedActor{})
	if !errors.Is(err, types.ErrSignatureInvalid) {
		t.Fatalf("Verify = %v, want ErrSignatureInvalid", err)
	}
	// one cached try, one forced re-fetch, then rejection
	if fetcher.forced != 1 {
		t.Errorf("forced refetches = %d, want 1", fetcher.forced)
	}
}

func TestVerifyRejectsUnsignedRequest(t *testing.T) {
	_, pubPEM := newRSAKey(t)
	person := personWithKey(pubPEM)
	v := NewVerifier(&rotatingFetcher{cached: person, fresh: person})

	req := httptest.NewRequest("POST", "https://bridge.example.com/ap/inbox", strings.NewReader("{}"))
	if _, err := v.Verify(context.Background(), req, types.BridgedActor{}); !errors.Is(err, types.ErrSignatureInvalid) {
		t.Errorf("Verify = %v, want ErrSignatureInvalid", err)
	}
}

func TestVerifyRejectsSignerWithoutKey(t *testing.T) {
	priv, _ := newRSAKey(t)
	person := types.RawApObjFromMap(map[string]any{"id": remoteActorURL})
	v := NewVerifier(&rotatingFetcher{cached: person, fresh: person})

	req := signedRequest(t, priv, "{}")
	if _, err := v.Verify(context.Background(), req, types.BridgedActor{}); !errors.Is(err, types.ErrSignatureInvalid) {
		t.Errorf("Verify = %v, want ErrSignatureInvalid", err)
	}
}

func TestParsePublicKeyEncodings(t *testing.T) {
	priv, pkixPEM := newRSAKey(t)

	if _, err := ParsePublicKey(pkixPEM); err != nil {
		t.Errorf("PKIX: %v", err)
	}

	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	})
	if _, err := ParsePublicKey(string(pkcs1)); err != nil {
		t.Errorf("PKCS1: %v", err)
	}

	if _, err := ParsePublicKey("not a key"); err == nil {
		t.Error("garbage accepted")
	}
}

func digestFor(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func TestVerifyDigestAcceptsMatchingBody(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)

	if err := VerifyDigest(digestFor(body), body); err != nil {
		t.Fatalf("matching digest rejected: %v", err)
	}
	if err := VerifyDigest("sha-512=bogus, "+digestFor(body), body); err != nil {
		t.Fatalf("multi-algorithm header rejected: %v", err)
	}
	if err := VerifyDigest(strings.ToLower(digestFor(body)[:8])+digestFor(body)[8:], body); err != nil {
		t.Fatalf("lowercase algorithm rejected: %v", err)
	}
}

func TestVerifyDigestRejectsSubstitutedBody(t *testing.T) {
	signed := []byte(`{"type":"Follow"}`)
	swapped := []byte(`{"type":"Delete"}`)

	err := VerifyDigest(digestFor(signed), swapped)
	if !errors.Is(err, types.ErrSignatureInvalid) {
		t.Fatalf("substituted body: err = %v, want ErrSignatureInvalid", err)
	}

	err = VerifyDigest("", signed)
	if !errors.Is(err, types.ErrSignatureInvalid) {
		t.Fatalf("missing header: err = %v, want ErrSignatureInvalid", err)
	}

	err = VerifyDigest("sha-512=bogus", signed)
	if !errors.Is(err, types.ErrSignatureInvalid) {
		t.Fatalf("unsupported algorithm only: err = %v, want ErrSignatureInvalid", err)
	}
}
