package apclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/totegamma/httpsig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/hotaru-social/nostr-ap-bridge/cache"
	"github.com/hotaru-social/nostr-ap-bridge/store"
	"github.com/hotaru-social/nostr-ap-bridge/types"
)

var (
	UserAgent = "NostrApBridge/1.0 (+https://github.com/hotaru-social/nostr-ap-bridge)"
)

var tracer = otel.Tracer("apclient")

// ApClient performs signed requests against remote ActivityPub servers
// on behalf of bridged actors.
type ApClient struct {
	cache  *cache.Cache
	store  *store.Store
	config types.ApConfig
	http   *http.Client
}

func NewApClient(
	cache *cache.Cache,
	store *store.Store,
	config types.ApConfig,
) *ApClient {
	return &ApClient{
		cache:  cache,
		store:  store,
		config: config,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *ApClient) keyID(actor types.BridgedActor) string {
	return "https://" + c.config.FQDN + "/ap/acct/" + actor.ID + "#main-key"
}

func (c *ApClient) signGet(ctx context.Context, req *http.Request, actor types.BridgedActor) error {
	priv, err := c.store.LoadKey(ctx, actor)
	if err != nil {
		return err
	}

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	digestAlgorithm := httpsig.DigestSha256
	headersToSign := []string{httpsig.RequestTarget, "date", "host"}
	signer, _, err := httpsig.NewSigner(prefs, digestAlgorithm, headersToSign, httpsig.Signature, 0)
	if err != nil {
		return err
	}
	return signer.SignRequest(priv, c.keyID(actor), req, nil)
}

// FetchObject fetches an activity object (note, announce target, ...)
// from a remote ap server, signing the request as execActor.
func (c *ApClient) FetchObject(ctx context.Context, objectID string, execActor types.BridgedActor) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "FetchObject")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, "GET", objectID, nil)
	if err != nil {
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Host", req.URL.Host)

	if err := c.signGet(ctx, req, execActor); err != nil {
		log.Println(err)
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(types.ErrTransportTransient, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("error fetching object %s: %d", objectID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(types.ErrTransportTransient, err.Error())
	}

	return types.LoadAsRawApObj(body)
}

// FetchPerson fetches a person from a remote ap server, consulting the
// cache layer first. Pass force to bypass and refresh the cache, which
// tolerates remote key rotation after a verification failure.
func (c *ApClient) FetchPerson(ctx context.Context, actorURL string, execActor types.BridgedActor, force bool) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "FetchPerson")
	defer span.End()

	if force {
		c.cache.InvalidateActor(actorURL)
	} else if person, ok := c.cache.GetActor(actorURL); ok {
		return person, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", actorURL, nil)
	if err != nil {
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Host", req.URL.Host)

	if err := c.signGet(ctx, req, execActor); err != nil {
		log.Println(err)
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(types.ErrTransportTransient, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(types.ErrTransportTransient, err.Error())
	}

	person, err := types.LoadAsRawApObj(body)
	if err != nil {
		log.Println(err)
		return person, err
	}

	if personBytes, err := json.Marshal(person.GetData()); err == nil {
		c.cache.SetActor(actorURL, personBytes)
	}

	return person, nil
}

// ResolveActor resolves an actor URL from @user@domain notation via
// WebFinger.
func ResolveActor(ctx context.Context, id string) (string, error) {
	ctx, span := tracer.Start(ctx, "ResolveActor")
	defer span.End()

	if id[0] == '@' {
		id = id[1:]
	}

	split := strings.Split(id, "@")
	if len(split) != 2 {
		return "", fmt.Errorf("invalid id")
	}

	domain := split[1]

	targetlink := "https://" + domain + "/.well-known/webfinger?resource=acct:" + id

	var webfinger types.WebFinger
	req, err := http.NewRequestWithContext(ctx, "GET", targetlink, nil)
	if err != nil {
		return "", err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", "application/jrd+json")
	req.Header.Set("User-Agent", UserAgent)
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(types.ErrTransportTransient, err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	err = json.Unmarshal(body, &webfinger)
	if err != nil {
		return "", err
	}

	var aplink types.WebFingerLink
	for _, link := range webfinger.Links {
		if link.Rel == "self" {
			aplink = link
		}
	}

	if aplink.Href == "" {
		return "", fmt.Errorf("no ap link found")
	}

	return aplink.Href, nil
}

// PostToInbox posts an activity to a remote inbox, signing method, path,
// host, date and content digest with the actor's persisted key.
func (c *ApClient) PostToInbox(ctx context.Context, inbox string, object any, actor types.BridgedActor) error {
	ctx, span := tracer.Start(ctx, "PostToInbox")
	defer span.End()

	objectBytes, err := json.Marshal(object)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", inbox, bytes.NewBuffer(objectBytes))
	if err != nil {
		return err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	priv, err := c.store.LoadKey(ctx, actor)
	if err != nil {
		log.Println(err)
		return err
	}

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	digestAlgorithm := httpsig.DigestSha256
	headersToSign := []string{httpsig.RequestTarget, "date", "digest", "host"}
	signer, _, err := httpsig.NewSigner(prefs, digestAlgorithm, headersToSign, httpsig.Signature, 0)
	if err != nil {
		log.Println(err)
		return err
	}
	err = signer.SignRequest(priv, c.keyID(actor), req, objectBytes)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(types.ErrTransportTransient, err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	log.Printf("POST %s [%d]: %s", inbox, resp.StatusCode, string(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("error posting to inbox: %d", resp.StatusCode)
	}

	return nil
}
