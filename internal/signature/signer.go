// Package signature produces the detachable ECDSA signature released with
// every batch so clients can detect tampering by any intermediary.
package signature

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// AlgorithmOID identifies ECDSA with SHA-256 to verifiers.
const AlgorithmOID = "1.2.840.10045.4.3.2"

// Metadata identifies the signing key and the recipient applications. It is
// bound into every signature; rotating the private key requires bumping
// KeyVersion so verifiers can select the matching public key.
type Metadata struct {
	BundleID       string
	AndroidPackage string
	KeyVersion     string
	KeyIdentifier  string
	Region         string
}

type Signer struct {
	key  *ecdsa.PrivateKey
	meta Metadata
}

func New(key *ecdsa.PrivateKey, meta Metadata) *Signer {
	return &Signer{key: key, meta: meta}
}

// NewFromBase64 creates a signer from a base64-encoded PKCS#8 P-256 private
// key. An empty string generates an ephemeral key, good for local dev only:
// it won't survive a restart and clients can't pin it.
func NewFromBase64(privB64 string, meta Metadata) (*Signer, error) {
	if privB64 == "" {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return New(key, meta), nil
	}
	raw, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return nil, fmt.Errorf("signature: decode private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("signature: parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("signature: private key is not ECDSA")
	}
	return New(key, meta), nil
}

// Sign returns an ASN.1 DER ECDSA signature over the canonical digest of the
// batch bytes, the release window boundaries and the signer metadata. Any
// failure here is fatal for the enclosing request; an unsigned batch must
// never leave the server.
func (s *Signer) Sign(batch []byte, windowStart, windowEnd time.Time) ([]byte, error) {
	digest := Digest(batch, windowStart, windowEnd, s.meta)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signature: sign batch: %w", err)
	}
	return sig, nil
}

func (s *Signer) Metadata() Metadata       { return s.meta }
func (s *Signer) Public() *ecdsa.PublicKey { return &s.key.PublicKey }

// Digest computes the canonical SHA-256 digest a signature covers: the batch
// bytes, both window boundaries as big-endian Unix milliseconds, then each
// metadata field length-prefixed so no two field sequences collide.
func Digest(batch []byte, windowStart, windowEnd time.Time, meta Metadata) [sha256.Size]byte {
	h := sha256.New()
	h.Write(batch)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(windowStart.UnixMilli()))
	h.Write(ts[:])
	binary.BigEndian.PutUint64(ts[:], uint64(windowEnd.UnixMilli()))
	h.Write(ts[:])

	for _, field := range []string{meta.BundleID, meta.AndroidPackage, meta.KeyVersion, meta.KeyIdentifier, meta.Region} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}

	var digest [sha256.Size]byte
	h.Sum(digest[:0])
	return digest
}

// Verify checks sig against the same canonical digest. Server code never
// calls this; it exists for tests and client tooling.
func Verify(pub *ecdsa.PublicKey, batch []byte, windowStart, windowEnd time.Time, meta Metadata, sig []byte) bool {
	digest := Digest(batch, windowStart, windowEnd, meta)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}
