// Package identity derives did:key decentralized identifiers from Ed25519
// keys and manages the signing-key material a sphere owner holds. A DID is
// created with a key and never renamed; it is the sphere's permanent
// address").
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// multicodecEd25519Pub is the varint-encoded multicodec tag for an Ed25519
// public key (0xed01), per the did:key method spec.
var multicodecEd25519Pub = []byte{0xed, 0x01}

// KeyPair is a signing identity: an Ed25519 key pair plus its derived DID.
type KeyPair struct {
	DID        string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a new random Ed25519 key pair and derives its DID.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &KeyPair{DID: DIDFromPublicKey(pub), PublicKey: pub, PrivateKey: priv}, nil
}

// FromPrivateKey rebuilds a KeyPair from previously persisted key material
// (e.g. loaded from the block store's "keys" namespace).
func FromPrivateKey(priv ed25519.PrivateKey) *KeyPair {
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{DID: DIDFromPublicKey(pub), PublicKey: pub, PrivateKey: priv}
}

// DIDFromPublicKey renders the did:key multibase/multicodec form of an
// Ed25519 public key: "did:key:z" + base58btc(multicodec-prefix || pubkey).
func DIDFromPublicKey(pub ed25519.PublicKey) string {
	tagged := make([]byte, 0, len(multicodecEd25519Pub)+len(pub))
	tagged = append(tagged, multicodecEd25519Pub...)
	tagged = append(tagged, pub...)
	return "did:key:z" + base58.Encode(tagged)
}

// PublicKeyFromDID recovers the Ed25519 public key embedded in a did:key
// identifier, the inverse of DIDFromPublicKey.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	const prefix = "did:key:z"
	if !strings.HasPrefix(did, prefix) {
		return nil, fmt.Errorf("identity: %q is not a did:key identifier", did)
	}
	tagged, err := base58.Decode(strings.TrimPrefix(did, prefix))
	if err != nil {
		return nil, fmt.Errorf("identity: decode did:key: %w", err)
	}
	if len(tagged) < len(multicodecEd25519Pub) {
		return nil, fmt.Errorf("identity: did:key too short")
	}
	tag := tagged[:len(multicodecEd25519Pub)]
	if tag[0] != multicodecEd25519Pub[0] || tag[1] != multicodecEd25519Pub[1] {
		return nil, fmt.Errorf("identity: unsupported did:key multicodec tag %x", tag)
	}
	pub := ed25519.PublicKey(tagged[len(multicodecEd25519Pub):])
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: unexpected ed25519 public key length %d", len(pub))
	}
	return pub, nil
}

// Sign signs message with the key pair's private key.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.PrivateKey, message)
}

// Verify reports whether sig is a valid signature over message under did's
// public key.
func Verify(did string, message, sig []byte) bool {
	pub, err := PublicKeyFromDID(did)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
