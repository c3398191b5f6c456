// Package petname implements dotted petname resolution across sphere
// address books: link records, the NNS resolve interface, and the
// multi-hop resolver with its freshness tie-break policy.
package petname

import (
	"fmt"

	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/identity"
)

// LinkRecord is a signed statement binding an identity to its latest
// revision, carrying an expiry and a witness-proof chain. The resolver
// checks only the signature (VerifySignature); Expires and Proofs are not
// validated.
type LinkRecord struct {
	Identity  string      `cbor:"identity"`
	Revision  codec.CID   `cbor:"revision"`
	SignedAt  int64       `cbor:"signed_at"`
	Expires   int64       `cbor:"expires"`
	Proofs    []codec.CID `cbor:"proofs,omitempty"`
	Signer    string      `cbor:"signer"`
	Signature []byte      `cbor:"sig,omitempty"`
}

func (r LinkRecord) signingBytes() ([]byte, error) {
	r.Signature = nil
	return codec.Encode(&r)
}

// Sign signs the record with signer's key.
func (r *LinkRecord) Sign(signer *identity.KeyPair) error {
	r.Signer = signer.DID
	b, err := r.signingBytes()
	if err != nil {
		return fmt.Errorf("petname: sign link record: %w", err)
	}
	r.Signature = signer.Sign(b)
	return nil
}

// VerifySignature reports whether r's signature verifies under r.Signer's key.
func (r LinkRecord) VerifySignature() bool {
	b, err := r.signingBytes()
	if err != nil {
		return false
	}
	return identity.Verify(r.Signer, b, r.Signature)
}

// Fresher implements the link-record tie-break policy: later signed time wins; on tie, shorter proof chain wins; on
// further tie, lexicographic CID order over the revision wins. It returns
// true if a is preferred over b.
func Fresher(a, b LinkRecord) bool {
	if a.SignedAt != b.SignedAt {
		return a.SignedAt > b.SignedAt
	}
	if len(a.Proofs) != len(b.Proofs) {
		return len(a.Proofs) < len(b.Proofs)
	}
	return a.Revision.String() < b.Revision.String()
}
