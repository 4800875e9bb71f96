package artifact

import (
	"bytes"
	gocrypto "crypto"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"golang.org/x/crypto/cryptobyte"

	"github.com/glinharesb/quorum-vault/internal/crypto"
	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/store"
)

// OpenPGPKeyCreation is the creation time of every OpenPGP key derived
// from a device key. It is fixed so the key id and fingerprint depend only
// on the public point.
var OpenPGPKeyCreation = time.Unix(0, 0).UTC()

// RFC 6637 curve OIDs.
var openpgpCurveOIDs = map[string][]byte{
	"P-256": {0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07},
	"P-384": {0x2b, 0x81, 0x04, 0x00, 0x22},
}

// OpenPGPPublicKey returns the v4 OpenPGP public key packet for a device
// key, as named by the issuer fields of openpgp artifacts.
func OpenPGPPublicKey(pub *ecdsa.PublicKey) (*packet.PublicKey, error) {
	oid, ok := openpgpCurveOIDs[pub.Curve.Params().Name]
	if !ok {
		return nil, fmt.Errorf("no OpenPGP curve for %s", pub.Curve.Params().Name)
	}
	point, err := pub.Bytes()
	if err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddUint8(4)
	b.AddUint32(uint32(OpenPGPKeyCreation.Unix()))
	b.AddUint8(uint8(packet.PubKeyAlgoECDSA))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(oid) })
	// MPI bit count; the leading 0x04 of an uncompressed point has five
	// leading zero bits.
	b.AddUint16(uint16(len(point)*8 - 5))
	b.AddBytes(point)
	body, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	if len(body) >= 192 {
		return nil, fmt.Errorf("public key packet of %d bytes needs a long header", len(body))
	}

	// New-format packet header, tag 6, one-octet length.
	pkt := append([]byte{0xc0 | 6, byte(len(body))}, body...)
	p, err := packet.Read(bytes.NewReader(pkt))
	if err != nil {
		return nil, fmt.Errorf("parse public key packet: %w", err)
	}
	pk, ok := p.(*packet.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parsed %T, want public key", p)
	}
	return pk, nil
}

type openpgpInput struct {
	key      *packet.PublicKey
	hash     gocrypto.Hash
	document []byte
	signedAt time.Time
}

var errSignLater = errors.New("signature deferred to the device")

// deviceSigner stands in for the device key inside packet.Signature.Sign.
// With sig == nil it records the digest and stops; otherwise it hands
// back the device's DER signature.
type deviceSigner struct {
	pub    *ecdsa.PublicKey
	sig    []byte
	digest []byte
}

func (d *deviceSigner) Public() gocrypto.PublicKey { return d.pub }

func (d *deviceSigner) Sign(_ io.Reader, digest []byte, _ gocrypto.SignerOpts) ([]byte, error) {
	d.digest = append([]byte(nil), digest...)
	if d.sig == nil {
		return nil, errSignLater
	}
	return d.sig, nil
}

// sign runs the v4 signing procedure over the request digest as a binary
// document. The hashed subpackets depend only on in, so the digest is the
// same on every run.
func (in *openpgpInput) sign(signer *deviceSigner) (*packet.Signature, error) {
	sig := &packet.Signature{
		Version:      in.key.Version,
		SigType:      packet.SigTypeBinary,
		PubKeyAlgo:   packet.PubKeyAlgoECDSA,
		Hash:         in.hash,
		CreationTime: in.signedAt,
		IssuerKeyId:  &in.key.KeyId,
	}
	deterministic := false
	cfg := &packet.Config{NonDeterministicSignaturesViaNotation: &deterministic}

	h := in.hash.New()
	h.Write(in.document)
	priv := &packet.PrivateKey{PublicKey: *in.key, PrivateKey: signer}
	if err := sig.Sign(h, priv, cfg); err != nil {
		return nil, err
	}
	return sig, nil
}

func prepareOpenPGP(op string, at *store.ActionType, s Subject) (*Input, error) {
	curve, _ := crypto.CurveByName(at.KeyCurve)
	pub, err := ecdsa.ParseUncompressedPublicKey(curve, s.SignerKey)
	if err != nil {
		return nil, errs.E(errs.MalformedRawSignature, op, fmt.Errorf("device public key: %w", err))
	}
	key, err := OpenPGPPublicKey(pub)
	if err != nil {
		return nil, errs.E(errs.UnsupportedActionType, op, err)
	}
	signedAt := s.SignedAt
	if signedAt.IsZero() {
		signedAt = s.CreatedAt
	}

	in := &openpgpInput{
		key:      key,
		hash:     crypto.HashForCurve(curve),
		document: s.Digest,
		signedAt: signedAt.UTC().Truncate(time.Second),
	}
	signer := &deviceSigner{pub: pub}
	if _, err := in.sign(signer); !errors.Is(err, errSignLater) {
		return nil, errs.E(errs.Internal, op, fmt.Errorf("openpgp signature digest: %v", err))
	}
	return &Input{Digest: signer.digest, openpgp: in}, nil
}

func encodeOpenPGP(op string, in *Input, der []byte) ([]byte, error) {
	if in == nil || in.openpgp == nil {
		return nil, errs.Errorf(errs.Internal, op, "openpgp input was not prepared")
	}
	signer := &deviceSigner{sig: der}
	sig, err := in.openpgp.sign(signer)
	if err != nil {
		return nil, errs.E(errs.MalformedRawSignature, op, err)
	}
	if !bytes.Equal(signer.digest, in.Digest) {
		return nil, errs.Errorf(errs.Internal, op, "openpgp digest changed between prepare and encode")
	}

	var out bytes.Buffer
	w, err := armor.Encode(&out, openpgp.SignatureType, nil)
	if err != nil {
		return nil, errs.E(errs.Internal, op, err)
	}
	if err := sig.Serialize(w); err != nil {
		return nil, errs.E(errs.Internal, op, err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.E(errs.Internal, op, err)
	}
	return out.Bytes(), nil
}
