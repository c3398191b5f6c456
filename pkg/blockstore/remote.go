package blockstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
)

// remoteBackend is the optional remote content-addressed store: an HTTP
// client against another node's block-store surface. The CID is always
// computed locally (never trusted from the remote), matching the "callers
// never supply a CID on put" contract. Put returns that locally computed
// CID once the server answers 200 or 201.
type remoteBackend struct {
	baseURL string
	client  *http.Client
}

// NewRemote returns a Backend that proxies every call over HTTP to baseURL,
// which must expose PUT/GET/HEAD/DELETE under /blocks/{cid} and
// GET/PUT/DELETE/POST under /kv/{ns}/{key} (and /kv/{ns}/{key}/cas).
func NewRemote(baseURL string, timeout time.Duration) Backend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &remoteBackend{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (r *remoteBackend) endpoint(parts ...string) string {
	u := r.baseURL
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (r *remoteBackend) Put(ctx context.Context, data []byte) (codec.CID, error) {
	c, err := codec.CIDOf(data)
	if err != nil {
		return codec.Undef, errutil.Wrap(errutil.Backend, err, "compute cid")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.endpoint("blocks", c.String()), bytes.NewReader(data))
	if err != nil {
		return codec.Undef, errutil.Wrap(errutil.Backend, err, "build put request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := r.client.Do(req)
	if err != nil {
		return codec.Undef, errutil.Wrap(errutil.Backend, err, "put block")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return codec.Undef, errutil.New(errutil.Backend, fmt.Sprintf("remote put %d: %s", resp.StatusCode, b))
	}
	return c, nil
}

func (r *remoteBackend) Get(ctx context.Context, c codec.CID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("blocks", c.String()), nil)
	if err != nil {
		return nil, errutil.Wrap(errutil.Backend, err, "build get request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errutil.Wrap(errutil.Backend, err, "get block")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errutil.New(errutil.NotFound, "block "+c.String()+" not found")
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, errutil.New(errutil.Backend, fmt.Sprintf("remote get %d: %s", resp.StatusCode, b))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errutil.Wrap(errutil.Backend, err, "read block body")
	}
	got, err := codec.CIDOf(data)
	if err != nil {
		return nil, errutil.Wrap(errutil.Backend, err, "verify cid")
	}
	if got != c {
		return nil, errutil.New(errutil.Corruption, "block "+c.String()+" failed hash verification")
	}
	return data, nil
}

func (r *remoteBackend) Has(ctx context.Context, c codec.CID) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.endpoint("blocks", c.String()), nil)
	if err != nil {
		return false, errutil.Wrap(errutil.Backend, err, "build head request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false, errutil.Wrap(errutil.Backend, err, "has block")
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (r *remoteBackend) Remove(ctx context.Context, c codec.CID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.endpoint("blocks", c.String()), nil)
	if err != nil {
		return errutil.Wrap(errutil.Backend, err, "build delete request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return errutil.Wrap(errutil.Backend, err, "remove block")
	}
	defer resp.Body.Close()
	return nil
}

func (r *remoteBackend) Set(ctx context.Context, ns, key string, value []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.endpoint("kv", ns, key), bytes.NewReader(value))
	if err != nil {
		return errutil.Wrap(errutil.Backend, err, "build set request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return errutil.Wrap(errutil.Backend, err, "set kv")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errutil.New(errutil.Backend, fmt.Sprintf("remote set kv %d", resp.StatusCode))
	}
	return nil
}

func (r *remoteBackend) GetKV(ctx context.Context, ns, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("kv", ns, key), nil)
	if err != nil {
		return nil, errutil.Wrap(errutil.Backend, err, "build get kv request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errutil.Wrap(errutil.Backend, err, "get kv")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errutil.New(errutil.NotFound, fmt.Sprintf("key %s/%s not found", ns, key))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errutil.New(errutil.Backend, fmt.Sprintf("remote get kv %d", resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}

func (r *remoteBackend) Delete(ctx context.Context, ns, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.endpoint("kv", ns, key), nil)
	if err != nil {
		return errutil.Wrap(errutil.Backend, err, "build delete kv request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return errutil.Wrap(errutil.Backend, err, "delete kv")
	}
	defer resp.Body.Close()
	return nil
}

func (r *remoteBackend) CompareAndSwap(ctx context.Context, ns, key string, oldValue, newValue []byte) (bool, error) {
	body := casRequest{Old: oldValue, New: newValue}
	data, err := codec.Encode(body)
	if err != nil {
		return false, errutil.Wrap(errutil.Backend, err, "encode cas request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint("kv", ns, key)+"/cas", bytes.NewReader(data))
	if err != nil {
		return false, errutil.Wrap(errutil.Backend, err, "build cas request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false, errutil.Wrap(errutil.Backend, err, "compare-and-swap")
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusConflict:
		return false, nil
	default:
		return false, errutil.New(errutil.Backend, fmt.Sprintf("remote cas %d", resp.StatusCode))
	}
}

func (r *remoteBackend) Close() error { return nil }

type casRequest struct {
	Old []byte `cbor:"old"`
	New []byte `cbor:"new"`
}
