package hsm

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/ThalesGroup/crypto11"
	"github.com/miekg/pkcs11"

	qcrypto "github.com/glinharesb/quorum-vault/internal/crypto"
)

// PKCS11Config locates the token a PKCS11Device talks to.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
}

// PKCS11Device reaches a hardware token through its PKCS#11 module.
// Every Open loads a fresh crypto11 context logged in with the credential's
// secret as user PIN; Close logs out and releases it.
type PKCS11Device struct {
	cfg PKCS11Config
}

func NewPKCS11Device(cfg PKCS11Config) (*PKCS11Device, error) {
	if cfg.ModulePath == "" {
		return nil, errors.New("pkcs11: module path is required")
	}
	if cfg.TokenLabel == "" {
		return nil, errors.New("pkcs11: token label is required")
	}
	return &PKCS11Device{cfg: cfg}, nil
}

func (d *PKCS11Device) Open(ctx context.Context, cred Credential) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if _, err := os.Stat(d.cfg.ModulePath); err != nil {
		return nil, fmt.Errorf("pkcs11 module %s: %v: %w", d.cfg.ModulePath, err, ErrUnreachable)
	}

	c, err := crypto11.Configure(&crypto11.Config{
		Path:       d.cfg.ModulePath,
		TokenLabel: d.cfg.TokenLabel,
		Pin:        cred.Secret,
	})
	if err != nil {
		return nil, classifyPKCS11("configure", err)
	}
	return &pkcs11Session{ctx: c}, nil
}

type pkcs11Session struct {
	ctx *crypto11.Context
}

// Sign returns the ASN.1 DER signature produced by the token.
func (s *pkcs11Session) Sign(_ context.Context, keyRef string, digest []byte) ([]byte, error) {
	signer, err := s.ctx.FindKeyPair(nil, []byte(keyRef))
	if err != nil {
		return nil, classifyPKCS11("find key", err)
	}
	if signer == nil {
		return nil, fmt.Errorf("key %s not found on token: %w", keyRef, ErrOperationRejected)
	}

	var hash crypto.Hash
	switch len(digest) {
	case 32:
		hash = crypto.SHA256
	case 48:
		hash = crypto.SHA384
	case 64:
		hash = crypto.SHA512
	default:
		return nil, fmt.Errorf("digest length %d: %w", len(digest), ErrOperationRejected)
	}

	sig, err := signer.Sign(rand.Reader, digest, hash)
	if err != nil {
		return nil, classifyPKCS11("sign", err)
	}
	return sig, nil
}

func (s *pkcs11Session) GenerateKey(_ context.Context, keyRef, curveName string) ([]byte, error) {
	curve, err := qcrypto.CurveByName(curveName)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrOperationRejected)
	}

	existing, err := s.ctx.FindKeyPair(nil, []byte(keyRef))
	if err != nil {
		return nil, classifyPKCS11("find key", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("key %s already exists: %w", keyRef, ErrOperationRejected)
	}

	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}
	signer, err := s.ctx.GenerateECDSAKeyPairWithLabel(id, []byte(keyRef), curve)
	if err != nil {
		return nil, classifyPKCS11("generate key", err)
	}
	pub, ok := signer.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("generated key is %T: %w", signer.Public(), ErrOperationRejected)
	}
	return pub.Bytes()
}

func (s *pkcs11Session) PublicKey(_ context.Context, keyRef string) ([]byte, error) {
	signer, err := s.ctx.FindKeyPair(nil, []byte(keyRef))
	if err != nil {
		return nil, classifyPKCS11("find key", err)
	}
	if signer == nil {
		return nil, fmt.Errorf("key %s not found on token: %w", keyRef, ErrOperationRejected)
	}
	pub, ok := signer.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key %s is %T: %w", keyRef, signer.Public(), ErrOperationRejected)
	}
	return pub.Bytes()
}

func (s *pkcs11Session) Close() error {
	return s.ctx.Close()
}

// Return values that refuse one request while leaving the token usable.
var rejectedCKR = map[pkcs11.Error]bool{
	pkcs11.CKR_ATTRIBUTE_TYPE_INVALID:     true,
	pkcs11.CKR_ATTRIBUTE_VALUE_INVALID:    true,
	pkcs11.CKR_CURVE_NOT_SUPPORTED:        true,
	pkcs11.CKR_DATA_INVALID:               true,
	pkcs11.CKR_DATA_LEN_RANGE:             true,
	pkcs11.CKR_DOMAIN_PARAMS_INVALID:      true,
	pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED: true,
	pkcs11.CKR_KEY_HANDLE_INVALID:         true,
	pkcs11.CKR_KEY_SIZE_RANGE:             true,
	pkcs11.CKR_KEY_TYPE_INCONSISTENT:      true,
	pkcs11.CKR_MECHANISM_INVALID:          true,
	pkcs11.CKR_MECHANISM_PARAM_INVALID:    true,
	pkcs11.CKR_OBJECT_HANDLE_INVALID:      true,
	pkcs11.CKR_TEMPLATE_INCOMPLETE:        true,
	pkcs11.CKR_TEMPLATE_INCONSISTENT:      true,
}

var authCKR = map[pkcs11.Error]bool{
	pkcs11.CKR_PIN_EXPIRED:              true,
	pkcs11.CKR_PIN_INCORRECT:            true,
	pkcs11.CKR_PIN_INVALID:              true,
	pkcs11.CKR_PIN_LEN_RANGE:            true,
	pkcs11.CKR_PIN_LOCKED:               true,
	pkcs11.CKR_USER_NOT_LOGGED_IN:       true,
	pkcs11.CKR_USER_PIN_NOT_INITIALIZED: true,
	pkcs11.CKR_USER_TYPE_INVALID:        true,
}

// classifyPKCS11 maps a crypto11 error onto the device error classes.
// Only the return values listed above are rejections or credential
// failures; anything else, including errors that carry no PKCS#11 code,
// counts as the device being unavailable.
func classifyPKCS11(op string, err error) error {
	var rv pkcs11.Error
	if errors.As(err, &rv) {
		switch {
		case authCKR[rv]:
			return fmt.Errorf("pkcs11 %s: %v: %w", op, err, ErrAuthFailed)
		case rejectedCKR[rv]:
			return fmt.Errorf("pkcs11 %s: %v: %w", op, err, ErrOperationRejected)
		}
	}
	return fmt.Errorf("pkcs11 %s: %v: %w", op, err, ErrUnreachable)
}
