package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
	"github.com/noosphere/sphereengine/pkg/identity"
	"github.com/noosphere/sphereengine/pkg/replication"
	"github.com/noosphere/sphereengine/pkg/sphere"
)

// Client drives the sync wire protocol against one gateway, pushing
// and fetching CAR streams and rebasing local-only history when the
// gateway reports counterpart-advanced.
type Client struct {
	GatewayURL string
	HTTP       *http.Client
	Store      blockstore.Backend
}

// NewClient builds a Client against gatewayURL with the given per-request
// timeout.
func NewClient(gatewayURL string, store blockstore.Backend, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{GatewayURL: gatewayURL, Store: store, HTTP: &http.Client{Timeout: timeout}}
}

// Push streams an incremental CAR from knownGatewayTip to localTip and
// reports the gateway's outcome.
func (c *Client) Push(ctx context.Context, sphereID string, localTip, knownGatewayTip, authToken codec.CID) (*PushResponse, error) {
	var body bytes.Buffer
	if err := replication.Incremental(ctx, c.Store, knownGatewayTip, localTip, &body); err != nil {
		return nil, fmt.Errorf("sync: push: build car: %w", err)
	}

	q := url.Values{}
	q.Set(paramSphereID, sphereID)
	q.Set(paramLocalTip, localTip.String())
	if knownGatewayTip != codec.Undef {
		q.Set(paramKnownTip, knownGatewayTip.String())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.GatewayURL+"/push?"+q.Encode(), &body)
	if err != nil {
		return nil, fmt.Errorf("sync: push: build request: %w", err)
	}
	req.Header.Set(headerAuthorization, authToken.String())
	req.Header.Set("Content-Type", "application/vnd.noosphere.car")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync: push: %w", err)
	}
	defer resp.Body.Close()

	var out PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sync: push: decode response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
		return &out, nil
	case http.StatusUnauthorized:
		return nil, errutil.New(errutil.NotAuthorized, "sync: push rejected: not authorized")
	case http.StatusBadRequest:
		return nil, errutil.New(errutil.Malformed, "sync: push rejected: malformed request")
	default:
		return nil, errutil.New(errutil.Backend, fmt.Sprintf("sync: push failed with status %d", resp.StatusCode))
	}
}

// Fetch pulls an incremental CAR bringing counterpartSphereID from
// knownTip to the gateway's current tip, importing it into the client's
// store. It returns the tip the gateway streamed up to.
func (c *Client) Fetch(ctx context.Context, counterpartSphereID string, knownTip codec.CID) (codec.CID, error) {
	q := url.Values{}
	q.Set(paramCounterpart, counterpartSphereID)
	if knownTip != codec.Undef {
		q.Set(paramKnown, knownTip.String())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.GatewayURL+"/fetch?"+q.Encode(), nil)
	if err != nil {
		return codec.Undef, fmt.Errorf("sync: fetch: build request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return codec.Undef, fmt.Errorf("sync: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return codec.Undef, errutil.New(errutil.Backend, fmt.Sprintf("sync: fetch failed with status %d: %s", resp.StatusCode, b))
	}

	roots, err := replication.Import(ctx, c.Store, resp.Body)
	if err != nil {
		return codec.Undef, fmt.Errorf("sync: fetch: import: %w", err)
	}
	if len(roots) == 0 {
		return codec.Undef, errutil.New(errutil.Malformed, "sync: fetch: response named no root")
	}
	tip := roots[0]
	if err := c.Store.Set(ctx, blockstore.NamespaceCounterparts, counterpartSphereID, tip.Bytes()); err != nil {
		return codec.Undef, fmt.Errorf("sync: fetch: record counterpart tip: %w", err)
	}
	return tip, nil
}

// Identify returns the gateway's own DID.
func (c *Client) Identify(ctx context.Context) (*IdentifyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.GatewayURL+"/identify", nil)
	if err != nil {
		return nil, fmt.Errorf("sync: identify: build request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync: identify: %w", err)
	}
	defer resp.Body.Close()
	var out IdentifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sync: identify: decode response: %w", err)
	}
	return &out, nil
}

// Authorize requests out-of-band delegation from the gateway's replica of
// sphereID.
func (c *Client) Authorize(ctx context.Context, sphereID string, req AuthorizeRequest) (codec.CID, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return codec.Undef, fmt.Errorf("sync: authorize: encode request: %w", err)
	}
	q := url.Values{}
	q.Set(paramSphereID, sphereID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.GatewayURL+"/authorize?"+q.Encode(), bytes.NewReader(raw))
	if err != nil {
		return codec.Undef, fmt.Errorf("sync: authorize: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return codec.Undef, fmt.Errorf("sync: authorize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return codec.Undef, errutil.New(errutil.Backend, fmt.Sprintf("sync: authorize failed with status %d: %s", resp.StatusCode, b))
	}
	var out AuthorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return codec.Undef, fmt.Errorf("sync: authorize: decode response: %w", err)
	}
	return codec.ParseCID(out.TokenCID)
}

// Revoke requests the gateway revoke tokenCID in sphereID's authority chain
//.
func (c *Client) Revoke(ctx context.Context, sphereID string, tokenCID codec.CID) error {
	q := url.Values{}
	q.Set(paramSphereID, sphereID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.GatewayURL+"/authorize/"+tokenCID.String()+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("sync: revoke: build request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("sync: revoke: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errutil.New(errutil.Backend, fmt.Sprintf("sync: revoke failed with status %d: %s", resp.StatusCode, b))
	}
	return nil
}

// maxRebaseAttempts bounds Sync's fetch-rebase-retry loop so a gateway that
// never stops advancing cannot spin the client forever.
const maxRebaseAttempts = 5

// Sync pushes local's history to the gateway, transparently fetching and
// rebasing onto the gateway's counterpart tip and retrying whenever it
// reports counterpart-advanced. It returns the Context at
// the tip the gateway finally accepted.
func (c *Client) Sync(ctx context.Context, local *sphere.Context, ownerKey *identity.KeyPair, authToken, knownGatewayTip codec.CID) (*sphere.Context, error) {
	sphereID := local.SphereDID()
	cur := local
	known := knownGatewayTip

	for attempt := 0; attempt < maxRebaseAttempts; attempt++ {
		var resp *PushResponse
		op := func() error {
			r, err := c.Push(ctx, sphereID, cur.Revision(), known, authToken)
			if err != nil {
				return err
			}
			resp = r
			return nil
		}
		bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
			return nil, err
		}

		if resp.Status == PushAccepted {
			tip, err := codec.ParseCID(resp.Tip)
			if err != nil {
				return nil, fmt.Errorf("sync: parse accepted tip: %w", err)
			}
			return sphere.Open(ctx, c.Store, sphereID, tip)
		}

		// counterpart-advanced: fetch the gateway's current tip, rebase
		// local-only revisions on top of it, and retry.
		remoteTip, err := codec.ParseCID(resp.Tip)
		if err != nil {
			return nil, fmt.Errorf("sync: parse counterpart tip: %w", err)
		}
		if _, err := c.Fetch(ctx, sphereID, known); err != nil {
			return nil, fmt.Errorf("sync: fetch during rebase: %w", err)
		}
		rebased, err := Rebase(ctx, c.Store, sphereID, ownerKey, authToken, cur.Revision(), remoteTip)
		if err != nil {
			return nil, fmt.Errorf("sync: rebase: %w", err)
		}
		cur = rebased
		known = remoteTip
	}
	return nil, errutil.New(errutil.ConflictingWrite, "sync: gave up after repeated counterpart-advanced responses")
}
