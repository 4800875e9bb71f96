// Package artifact turns raw device output into the signature artifacts
// handed back to requesters.
package artifact

import (
	"bytes"
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	intoto "github.com/in-toto/attestation/go/v1"
	"github.com/secure-systems-lab/go-securesystemslib/dsse"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/glinharesb/quorum-vault/internal/crypto"
	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/store"
)

const (
	FormatDER     = "der"
	FormatDSSE    = "dsse-intoto"
	FormatOpenPGP = "openpgp"
	FormatPKIX    = "pkix"
)

const (
	InTotoPayloadType   = "application/vnd.in-toto+json"
	InTotoStatementType = "https://in-toto.io/Statement/v1"
	PredicateType       = "https://github.com/glinharesb/quorum-vault/approval/v1"
)

// Subject is the request data an artifact attests to.
type Subject struct {
	RequestID       string
	ActionType      string
	Name            string
	RequesterID     string
	DigestAlgorithm string
	Digest          []byte
	Approvers       []string
	CreatedAt       time.Time
	// SignedAt is the signature creation time; CreatedAt when zero.
	SignedAt time.Time
	// SignerKey is the signing key's uncompressed public point, needed by
	// formats that name the issuer key.
	SignerKey []byte
}

// SubjectFor builds the Subject of req with the given counted approvers.
func SubjectFor(req *store.SigningRequest, approvers []string) Subject {
	return Subject{
		RequestID:       req.ID,
		ActionType:      req.ActionType,
		Name:            req.SubjectName,
		RequesterID:     req.RequesterID,
		DigestAlgorithm: req.DigestAlgorithm,
		Digest:          req.Digest,
		Approvers:       approvers,
		CreatedAt:       req.CreatedAt,
	}
}

// Input is what the device operation needs, plus whatever Encode needs to
// finish the artifact.
type Input struct {
	// Digest is the value the device signs. Empty for key generation.
	Digest      []byte
	Payload     []byte
	PayloadType string

	openpgp *openpgpInput
}

// Encoder is stateless; Encode is deterministic for a given input.
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// Validate checks that an action type's format, operation and curve fit
// together.
func (e *Encoder) Validate(at *store.ActionType) error {
	const op = "artifact.Validate"
	if _, err := crypto.CurveByName(at.KeyCurve); err != nil {
		return errs.E(errs.UnsupportedActionType, op, err)
	}
	switch at.Format {
	case FormatDER, FormatDSSE, FormatOpenPGP:
		if at.Operation != store.OperationSign {
			return errs.Errorf(errs.UnsupportedActionType, op, "format %s needs a sign operation", at.Format)
		}
		if _, err := crypto.HashByName(at.DigestAlgorithm); err != nil {
			return errs.E(errs.UnsupportedActionType, op, err)
		}
	case FormatPKIX:
		if at.Operation != store.OperationGenerateKey {
			return errs.Errorf(errs.UnsupportedActionType, op, "format %s needs a generate-key operation", at.Format)
		}
	default:
		return errs.Errorf(errs.UnsupportedActionType, op, "unknown format %q", at.Format)
	}
	return nil
}

// NeedsSignerKey reports whether Prepare needs Subject.SignerKey.
func (e *Encoder) NeedsSignerKey(at *store.ActionType) bool {
	return at.Format == FormatOpenPGP
}

// Prepare computes the device input for s under at.
func (e *Encoder) Prepare(at *store.ActionType, s Subject) (*Input, error) {
	const op = "artifact.Prepare"
	if err := e.Validate(at); err != nil {
		return nil, err
	}
	if at.Format == FormatPKIX {
		return &Input{}, nil
	}

	h, _ := crypto.HashByName(at.DigestAlgorithm)
	if s.DigestAlgorithm != at.DigestAlgorithm || len(s.Digest) != h.Size() {
		return nil, errs.Errorf(errs.InvalidPayload, op, "digest is not a %s digest", at.DigestAlgorithm)
	}
	if at.Format == FormatDER {
		return &Input{Digest: s.Digest}, nil
	}
	if at.Format == FormatOpenPGP {
		return prepareOpenPGP(op, at, s)
	}

	payload, err := statement(s)
	if err != nil {
		return nil, errs.E(errs.Internal, op, err)
	}
	curve, _ := crypto.CurveByName(at.KeyCurve)
	return &Input{
		Digest:      paeDigest(crypto.HashForCurve(curve), InTotoPayloadType, payload),
		Payload:     payload,
		PayloadType: InTotoPayloadType,
	}, nil
}

// Encode builds the artifact from the device's raw output.
func (e *Encoder) Encode(at *store.ActionType, raw []byte, in *Input) ([]byte, error) {
	const op = "artifact.Encode"
	if err := e.Validate(at); err != nil {
		return nil, err
	}
	curve, _ := crypto.CurveByName(at.KeyCurve)

	switch at.Format {
	case FormatPKIX:
		pub, err := ecdsa.ParseUncompressedPublicKey(curve, raw)
		if err != nil {
			return nil, errs.E(errs.MalformedRawSignature, op, fmt.Errorf("device public key: %w", err))
		}
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, errs.E(errs.Internal, op, err)
		}
		return der, nil

	case FormatDER:
		return signatureDER(op, curve, raw)

	case FormatOpenPGP:
		sig, err := signatureDER(op, curve, raw)
		if err != nil {
			return nil, err
		}
		return encodeOpenPGP(op, in, sig)

	default:
		sig, err := signatureDER(op, curve, raw)
		if err != nil {
			return nil, err
		}
		env := dsse.Envelope{
			PayloadType: in.PayloadType,
			Payload:     base64.StdEncoding.EncodeToString(in.Payload),
			Signatures: []dsse.Signature{{
				KeyID: at.KeyRef,
				Sig:   base64.StdEncoding.EncodeToString(sig),
			}},
		}
		out, err := json.Marshal(env)
		if err != nil {
			return nil, errs.E(errs.Internal, op, err)
		}
		return out, nil
	}
}

// signatureDER accepts a raw r||s pair or a DER ECDSA-Sig-Value and
// returns the DER form after range-checking both scalars.
func signatureDER(op string, curve elliptic.Curve, raw []byte) ([]byte, error) {
	params := curve.Params()
	size := (params.BitSize + 7) / 8

	r, s := new(big.Int), new(big.Int)
	if len(raw) == 2*size {
		r.SetBytes(raw[:size])
		s.SetBytes(raw[size:])
	} else {
		var inner cryptobyte.String
		in := cryptobyte.String(raw)
		if !in.ReadASN1(&inner, asn1.SEQUENCE) || !in.Empty() ||
			!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
			return nil, errs.Errorf(errs.MalformedRawSignature, op, "%d-byte device signature is neither r||s nor DER", len(raw))
		}
	}
	if r.Sign() <= 0 || s.Sign() <= 0 || r.Cmp(params.N) >= 0 || s.Cmp(params.N) >= 0 {
		return nil, errs.Errorf(errs.MalformedRawSignature, op, "signature scalar out of range")
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errs.E(errs.Internal, op, err)
	}
	return der, nil
}

// statement renders the in-toto statement for s in compact JSON.
func statement(s Subject) ([]byte, error) {
	name := s.Name
	if name == "" {
		name = s.RequestID
	}
	approvers := make([]any, 0, len(s.Approvers))
	for _, a := range s.Approvers {
		approvers = append(approvers, a)
	}
	predicate, err := structpb.NewStruct(map[string]any{
		"requestId":  s.RequestID,
		"actionType": s.ActionType,
		"requester":  s.RequesterID,
		"approvers":  approvers,
		"createdAt":  s.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("build predicate: %w", err)
	}

	st := &intoto.Statement{
		Type: InTotoStatementType,
		Subject: []*intoto.ResourceDescriptor{{
			Name:   name,
			Digest: map[string]string{s.DigestAlgorithm: hex.EncodeToString(s.Digest)},
		}},
		PredicateType: PredicateType,
		Predicate:     predicate,
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid statement: %w", err)
	}

	raw, err := protojson.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal statement: %w", err)
	}
	// protojson output is not byte-stable across runs.
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("compact statement: %w", err)
	}
	return buf.Bytes(), nil
}

func paeDigest(h gocrypto.Hash, payloadType string, payload []byte) []byte {
	hasher := h.New()
	hasher.Write(dsse.PAE(payloadType, payload))
	return hasher.Sum(nil)
}
