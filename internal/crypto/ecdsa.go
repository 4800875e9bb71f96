package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var ErrUnsupportedKey = errors.New("unsupported key type")

// GenerateECDSAKey creates a new ECDSA key pair for the given curve.
func GenerateECDSAKey(curve elliptic.Curve) (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ecdsa key: %w", err)
	}
	return key, nil
}

// CurveByName maps a configuration name to a NIST curve.
func CurveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "p256", "P-256":
		return elliptic.P256(), nil
	case "p384", "P-384":
		return elliptic.P384(), nil
	default:
		return nil, fmt.Errorf("unknown curve %q", name)
	}
}

// HashForCurve returns the hash conventionally paired with a curve.
func HashForCurve(curve elliptic.Curve) crypto.Hash {
	if curve.Params().BitSize > 256 {
		return crypto.SHA384
	}
	return crypto.SHA256
}

// HashByName maps a digest algorithm name to a crypto.Hash.
func HashByName(name string) (crypto.Hash, error) {
	switch name {
	case "sha256":
		return crypto.SHA256, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unknown digest algorithm %q", name)
	}
}

// SignMessage signs msg with an approver key. ECDSA keys sign the SHA-256
// digest and return ASN.1 DER; Ed25519 keys sign msg directly.
func SignMessage(key crypto.Signer, msg []byte) ([]byte, error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		hash := sha256.Sum256(msg)
		sig, err := ecdsa.SignASN1(rand.Reader, k, hash[:])
		if err != nil {
			return nil, fmt.Errorf("ecdsa sign: %w", err)
		}
		return sig, nil
	case ed25519.PrivateKey:
		return ed25519.Sign(k, msg), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// VerifyMessage is the counterpart of SignMessage.
func VerifyMessage(pub crypto.PublicKey, msg, signature []byte) bool {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		hash := sha256.Sum256(msg)
		return ecdsa.VerifyASN1(k, hash[:], signature)
	case ed25519.PublicKey:
		return len(signature) == ed25519.SignatureSize && ed25519.Verify(k, msg, signature)
	default:
		return false
	}
}

// MarshalPublicKey encodes a public key in PKIX DER format.
func MarshalPublicKey(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// MarshalPublicKeyPEM encodes a public key as a PKIX "PUBLIC KEY" PEM block.
func MarshalPublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := MarshalPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM decodes an ECDSA or Ed25519 PKIX public key.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	switch pub.(type) {
	case *ecdsa.PublicKey, ed25519.PublicKey:
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// MarshalPrivateKey encodes a private key in PKCS8 DER format.
func MarshalPrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return der, nil
}

// MarshalPrivateKeyPEM encodes a private key as a PKCS8 "PRIVATE KEY" PEM block.
func MarshalPrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// UnmarshalPrivateKey decodes a PKCS8 DER-encoded ECDSA or Ed25519 private key.
func UnmarshalPrivateKey(der []byte) (crypto.Signer, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	switch k := parsed.(type) {
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, parsed)
	}
}

// ParsePrivateKeyPEM decodes a PKCS8 or SEC1 ("EC PRIVATE KEY") PEM block.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if block.Type == "EC PRIVATE KEY" {
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse ec private key: %w", err)
		}
		return key, nil
	}
	return UnmarshalPrivateKey(block.Bytes)
}
