package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
)

func TestECDSASignVerifyMessage(t *testing.T) {
	for _, curve := range []elliptic.Curve{elliptic.P256(), elliptic.P384()} {
		key, err := GenerateECDSAKey(curve)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}

		msg := []byte("approve request 1234")
		sig, err := SignMessage(key, msg)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}

		if !VerifyMessage(&key.PublicKey, msg, sig) {
			t.Fatalf("%s: valid signature rejected", curve.Params().Name)
		}
		if VerifyMessage(&key.PublicKey, []byte("tampered"), sig) {
			t.Fatalf("%s: tampered message should not verify", curve.Params().Name)
		}
	}
}

func TestEd25519SignVerifyMessage(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	msg := []byte("approve request 1234")
	sig, err := SignMessage(priv, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !VerifyMessage(priv.Public(), msg, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifyMessage(priv.Public(), msg, sig[:10]) {
		t.Fatal("truncated signature should not verify")
	}
}

func TestVerifyWrongKey(t *testing.T) {
	key1, _ := GenerateECDSAKey(elliptic.P256())
	key2, _ := GenerateECDSAKey(elliptic.P256())

	sig, _ := SignMessage(key1, []byte("data"))
	if VerifyMessage(&key2.PublicKey, []byte("data"), sig) {
		t.Fatal("wrong key should not verify")
	}
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	key, _ := GenerateECDSAKey(elliptic.P256())
	data, err := MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	pub, err := ParsePublicKeyPEM(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || !ecPub.Equal(&key.PublicKey) {
		t.Fatal("round-tripped key differs")
	}
}

func TestParsePublicKeyPEMRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKeyPEM([]byte("not pem")); err == nil {
		t.Fatal("garbage should fail")
	}
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	key, _ := GenerateECDSAKey(elliptic.P256())
	data, err := MarshalPrivateKeyPEM(key)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	recovered, err := ParsePrivateKeyPEM(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	// Sign with recovered, verify with original
	msg := []byte("roundtrip test")
	sig, err := SignMessage(recovered, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !VerifyMessage(&key.PublicKey, msg, sig) {
		t.Fatal("roundtrip key should produce verifiable signature")
	}
}

func TestCurveAndHashLookup(t *testing.T) {
	c, err := CurveByName("p384")
	if err != nil {
		t.Fatalf("curve: %v", err)
	}
	if HashForCurve(c).Size() != 48 {
		t.Fatal("P-384 should pair with SHA-384")
	}
	if _, err := CurveByName("p521"); err == nil {
		t.Fatal("p521 is not supported")
	}

	h, err := HashByName("sha512")
	if err != nil || h.Size() != 64 {
		t.Fatalf("sha512 lookup: %v %d", err, h.Size())
	}
	if _, err := HashByName("md5"); err == nil {
		t.Fatal("md5 should be rejected")
	}
}

func TestSealOpen(t *testing.T) {
	secret := []byte("device credential secret")
	plaintext := []byte("pkcs8 key material")
	aad := []byte("release-key")

	sealed, err := Seal(secret, "wrap", plaintext, aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	pt, err := Open(secret, "wrap", sealed, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, pt) {
		t.Fatalf("plaintext mismatch: got %q, want %q", pt, plaintext)
	}
}

func TestOpenWrongSecretOrAAD(t *testing.T) {
	sealed, _ := Seal([]byte("secret"), "wrap", []byte("data"), []byte("aad"))

	if _, err := Open([]byte("other"), "wrap", sealed, []byte("aad")); err == nil {
		t.Fatal("wrong secret should fail")
	}
	if _, err := Open([]byte("secret"), "other-label", sealed, []byte("aad")); err == nil {
		t.Fatal("wrong label should fail")
	}
	if _, err := Open([]byte("secret"), "wrap", sealed, []byte("wrong")); err == nil {
		t.Fatal("wrong aad should fail")
	}
	if _, err := Open([]byte("secret"), "wrap", []byte("short"), nil); err == nil {
		t.Fatal("short ciphertext should fail")
	}
}

func TestSealUniqueNonce(t *testing.T) {
	c1, _ := Seal([]byte("secret"), "wrap", []byte("same"), nil)
	c2, _ := Seal([]byte("secret"), "wrap", []byte("same"), nil)
	if bytes.Equal(c1, c2) {
		t.Fatal("two seals of the same data should differ (unique nonce)")
	}
}

func TestDeriveKey(t *testing.T) {
	root := []byte("root key material")

	d1, _ := DeriveKey(root, []byte("context-a"), 32)
	d2, _ := DeriveKey(root, []byte("context-a"), 32)
	d3, _ := DeriveKey(root, []byte("context-b"), 32)

	if !bytes.Equal(d1, d2) {
		t.Fatal("same inputs should produce same derived key")
	}
	if bytes.Equal(d1, d3) {
		t.Fatal("different contexts should produce different keys")
	}
	if _, err := DeriveKey(root, []byte("ctx"), 0); err == nil {
		t.Fatal("length 0 should fail")
	}
	if _, err := DeriveKey(root, []byte("ctx"), 65); err == nil {
		t.Fatal("length 65 should fail")
	}
}

// Benchmarks

func BenchmarkVerifyMessageP256(b *testing.B) {
	key, _ := GenerateECDSAKey(elliptic.P256())
	msg := []byte("benchmark approval message")
	sig, _ := SignMessage(key, msg)
	b.ResetTimer()
	for b.Loop() {
		VerifyMessage(&key.PublicKey, msg, sig)
	}
}

func BenchmarkSeal(b *testing.B) {
	data := make([]byte, 1024)
	b.ResetTimer()
	for b.Loop() {
		Seal([]byte("secret"), "wrap", data, nil)
	}
}
