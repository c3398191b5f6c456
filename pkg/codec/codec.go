// Package codec implements the canonical DAG-CBOR block encoding and CID
// computation shared by every IPLD node in the sphere engine: memos,
// revisions, HAMT nodes, address-book entries, delegation records, and
// capability tokens. Encoding is deterministic: re-encoding a decoded node
// must produce byte-identical output, exactly as the reference Noosphere
// block codec requires.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// CID is the stable pointer type used throughout the engine: a multicodec
// tag plus a BLAKE3-256 multihash, CIDv1.
type CID = cid.Cid

// Undef is the zero-value CID, used as the sentinel "no parent"/"no link".
var Undef = cid.Undef

// DagCBOR is the multicodec tag stamped on every block this package emits.
const DagCBOR = cid.DagCBOR

var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: build canonical encode mode: %v", err))
	}
}

// Encode canonically DAG-CBOR-encodes v. Encoding is deterministic: the same
// logical value always yields the same bytes, map keys sorted per the
// canonical CBOR core deterministic encoding requirements (RFC 8949 §4.2.1).
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return b, nil
}

// Decode parses canonical DAG-CBOR bytes into v, which must be a pointer.
func Decode(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: decode: %w", err)
	}
	return nil
}

// CIDOf computes the CIDv1/BLAKE3-256/DAG-CBOR content identifier of the raw
// bytes of an already-encoded block.
func CIDOf(blockBytes []byte) (CID, error) {
	digest, err := mh.Sum(blockBytes, mh.BLAKE3, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("codec: hash: %w", err)
	}
	return cid.NewCidV1(DagCBOR, digest), nil
}

// EncodeAndCID is the common path: canonically encode v, then compute the
// CID of the resulting bytes. It is the only way a caller is meant to mint a
// CID; callers never supply one directly, matching the block-store
// contract that the store (transitively, this package) always computes the
// address from the bytes.
func EncodeAndCID(v any) ([]byte, CID, error) {
	b, err := Encode(v)
	if err != nil {
		return nil, cid.Undef, err
	}
	c, err := CIDOf(b)
	if err != nil {
		return nil, cid.Undef, err
	}
	return b, c, nil
}

// ParseCID parses the string form of a CID (base32, CIDv1).
func ParseCID(s string) (CID, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("codec: parse cid %q: %w", s, err)
	}
	return c, nil
}

// CIDFromBytes parses a CID from its raw binary form, the inverse of
// CID.Bytes(). Used to round-trip a CID through the key-value namespace,
// where values are plain []byte rather than CBOR-encoded structures.
func CIDFromBytes(b []byte) (CID, error) {
	c, err := cid.Cast(b)
	if err != nil {
		return cid.Undef, fmt.Errorf("codec: cast cid bytes: %w", err)
	}
	return c, nil
}
