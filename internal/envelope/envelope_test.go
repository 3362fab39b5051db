package envelope

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	e := Envelope{
		Producer:  "pub_ae",
		Subject:   "fused.track",
		Payload:   []byte("x"),
		Timestamp: time.Now(),
		Labels:    map[string]string{"b": "2", "a": "1"},
	}
	e.Signature = Sign(priv, e)

	if !VerifySelf(pub, e) {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	e := Envelope{Producer: "pub_ae", Subject: "s", Payload: []byte("x"), Timestamp: time.Now()}
	e.Signature = Sign(priv, e)

	e.Payload = []byte("y")
	if VerifySelf(pub, e) {
		t.Fatalf("expected verification to fail after payload tamper")
	}
}

func TestSigningBytesStableAcrossLabelOrder(t *testing.T) {
	ts := time.Now()
	e1 := Envelope{Producer: "p", Subject: "s", Payload: []byte("x"), Timestamp: ts, Labels: map[string]string{"a": "1", "b": "2"}}
	e2 := Envelope{Producer: "p", Subject: "s", Payload: []byte("x"), Timestamp: ts, Labels: map[string]string{"b": "2", "a": "1"}}

	if string(e1.SigningBytes()) != string(e2.SigningBytes()) {
		t.Fatalf("expected signing bytes to be independent of map iteration order")
	}
}

func TestValidateShapeRejectsMissingFields(t *testing.T) {
	if err := ValidateShape(Envelope{}); err == nil {
		t.Fatalf("expected error for empty envelope")
	}
}
