package sphere

import (
	"context"
	"fmt"
	"time"

	"github.com/noosphere/sphereengine/pkg/authority"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/identity"
)

// Authorize issues a new delegation under this sphere's authority chain and
// stages it so the next Save embeds the updated authority_root. As with Write/SetPetname, the delegation's own blocks (the
// new token, the updated delegation index) are already durable the moment
// this call returns; staging only covers advancing the sphere's own
// authority_root pointer so a future Open sees the delegation reflected in
// Authorizations() and so a subsequent Revoke of it takes effect for
// contexts opened fresh from the tip.
func (c *Context) Authorize(ctx context.Context, issuer *identity.KeyPair, issuerToken codec.CID, name, audienceDID string, actions []string, ttl time.Duration) (codec.CID, error) {
	if err := c.requireMutable(); err != nil {
		return codec.Undef, err
	}
	tokCID, err := c.chain.Authorize(ctx, issuer, issuerToken, name, audienceDID, actions, ttl)
	if err != nil {
		return codec.Undef, fmt.Errorf("sphere: authorize %s: %w", name, err)
	}
	c.dirty = true
	return tokCID, nil
}

// Revoke marks tokenCID revoked in this sphere's authority chain and stages
// the change. A revoked token stops granting any action the
// moment a context is opened at (or after) the revision this produces.
// Before that, only contexts sharing this same in-process Chain instance
// observe the revocation.
func (c *Context) Revoke(ctx context.Context, tokenCID codec.CID) error {
	if err := c.requireMutable(); err != nil {
		return err
	}
	if err := c.chain.Revoke(ctx, tokenCID); err != nil {
		return fmt.Errorf("sphere: revoke %s: %w", tokenCID, err)
	}
	c.dirty = true
	return nil
}

// Authorizations lists every outstanding delegation visible to this context
//.
func (c *Context) Authorizations(ctx context.Context) ([]authority.Authorization, error) {
	return c.chain.Authorizations(ctx)
}
