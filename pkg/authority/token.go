// Package authority implements capability-token verification and the
// per-sphere authority chain: which keys may currently write to a
// sphere, and which capability tokens have been revoked.
package authority

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/identity"
)

// Well-known actions. The core never invents a new authorization token
// format; these are just the string identifiers this engine's callers use.
const (
	ActionPublish   = "sphere/publish"
	ActionAuthorize = "sphere/authorize"
	ActionAny       = "*"
)

// Capability is one granted action over a resource, e.g.
// {Resource: "sphere:did:key:z…", Action: "sphere/publish"}.
type Capability struct {
	Resource string `cbor:"resource"`
	Action   string `cbor:"action"`
}

// Covers reports whether c grants action over resource, honoring the "*"
// wildcard on either field.
func (c Capability) Covers(resource, action string) bool {
	resOK := c.Resource == ActionAny || c.Resource == resource
	actOK := c.Action == ActionAny || c.Action == action
	return resOK && actOK
}

// ResourceForSphere renders the "sphere:<DID>" resource identifier a
// capability names.
func ResourceForSphere(sphereDID string) string {
	return "sphere:" + sphereDID
}

// Token is a signed capability statement.
type Token struct {
	Issuer       string       `cbor:"iss"`
	Audience     string       `cbor:"aud"`
	Attenuations []Capability `cbor:"att"`
	Proofs       []codec.CID  `cbor:"prf"`
	NotBefore    int64        `cbor:"nbf"`
	Expires      int64        `cbor:"exp"`
	Nonce        string       `cbor:"nnc"`
	Signature    []byte       `cbor:"sig,omitempty"`
}

// signingBytes returns the canonical encoding of tok with its signature
// cleared: the bytes that are actually signed and later re-verified.
func signingBytes(tok Token) ([]byte, error) {
	tok.Signature = nil
	return codec.Encode(tok)
}

// NewToken builds and signs a capability token issued by issuer to
// audience, valid for the given window.
func NewToken(issuer *identity.KeyPair, audience string, attenuations []Capability, proofs []codec.CID, notBefore, expires time.Time) (*Token, error) {
	tok := &Token{
		Issuer:       issuer.DID,
		Audience:     audience,
		Attenuations: attenuations,
		Proofs:       proofs,
		NotBefore:    notBefore.Unix(),
		Expires:      expires.Unix(),
		Nonce:        uuid.NewString(),
	}
	if err := Sign(tok, issuer); err != nil {
		return nil, err
	}
	return tok, nil
}

// Sign (re-)signs tok with issuer's key, overwriting any existing signature.
func Sign(tok *Token, issuer *identity.KeyPair) error {
	b, err := signingBytes(*tok)
	if err != nil {
		return fmt.Errorf("authority: sign: %w", err)
	}
	tok.Signature = issuer.Sign(b)
	return nil
}

// VerifySignature reports whether tok's signature verifies under its
// issuer's key.
func VerifySignature(tok *Token) bool {
	b, err := signingBytes(*tok)
	if err != nil {
		return false
	}
	return identity.Verify(tok.Issuer, b, tok.Signature)
}

// Put canonically encodes and stores tok, returning its CID.
func Put(ctx context.Context, store blockstore.Store, tok *Token) (codec.CID, error) {
	raw, c, err := codec.EncodeAndCID(tok)
	if err != nil {
		return codec.Undef, fmt.Errorf("authority: encode token: %w", err)
	}
	if _, err := store.Put(ctx, raw); err != nil {
		return codec.Undef, fmt.Errorf("authority: put token: %w", err)
	}
	return c, nil
}

// Get loads and decodes the token stored at c.
func Get(ctx context.Context, store blockstore.Store, c codec.CID) (*Token, error) {
	raw, err := store.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("authority: get token %s: %w", c, err)
	}
	var tok Token
	if err := codec.Decode(raw, &tok); err != nil {
		return nil, fmt.Errorf("authority: decode token %s: %w", c, err)
	}
	return &tok, nil
}
