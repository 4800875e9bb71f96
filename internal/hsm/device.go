package hsm

import (
	"context"
	"errors"
)

// Device errors. Implementations wrap one of these so the backend can tell
// a transport problem from a credential problem from a refused operation.
var (
	ErrUnreachable       = errors.New("hsm unreachable")
	ErrAuthFailed        = errors.New("hsm authentication failed")
	ErrOperationRejected = errors.New("hsm rejected operation")
)

// Credential authenticates a session to the device. ID names the
// authentication key or slot user; Secret is the password or PIN.
type Credential struct {
	ID     string
	Secret string
}

// Device opens authenticated sessions to an HSM.
// Real deployments use PKCS11Device; SoftwareDevice serves development and tests.
type Device interface {
	Open(ctx context.Context, cred Credential) (Session, error)
}

// Session is a single authenticated conversation with the device.
type Session interface {
	// Sign signs a precomputed digest with the key named by keyRef.
	Sign(ctx context.Context, keyRef string, digest []byte) ([]byte, error)
	// GenerateKey creates an EC key named keyRef on curve and returns its
	// public point in uncompressed form.
	GenerateKey(ctx context.Context, keyRef, curve string) ([]byte, error)
	// PublicKey returns the uncompressed public point of keyRef.
	PublicKey(ctx context.Context, keyRef string) ([]byte, error)
	Close() error
}

// OpKind is the kind of device operation.
type OpKind int

const (
	OpSign OpKind = iota + 1
	OpGenerateKey
	OpPublicKey
)

func (k OpKind) String() string {
	switch k {
	case OpSign:
		return "sign"
	case OpGenerateKey:
		return "generate_key"
	case OpPublicKey:
		return "public_key"
	default:
		return "unknown"
	}
}

// Operation describes one device call.
type Operation struct {
	Kind   OpKind
	KeyRef string
	Digest []byte
	Curve  string
}
