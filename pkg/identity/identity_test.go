package identity

import "testing"

func TestGenerateAndDIDRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err := PublicKeyFromDID(kp.DID)
	if err != nil {
		t.Fatalf("public key from did: %v", err)
	}
	if string(pub) != string(kp.PublicKey) {
		t.Fatalf("recovered public key does not match original")
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("sphere revision bytes")
	sig := kp.Sign(msg)
	if !Verify(kp.DID, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(kp.DID, []byte("tampered"), sig) {
		t.Fatal("expected signature over different message to fail")
	}
}

func TestVerifyRejectsMalformedDID(t *testing.T) {
	if Verify("not-a-did", []byte("x"), []byte("y")) {
		t.Fatal("expected malformed did to fail verification")
	}
}
