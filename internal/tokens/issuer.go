// Package tokens issues the short-lived JWT a successful publish returns,
// authorizing the client to upload the current day's final key tomorrow.
package tokens

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer holds the ES256 keypair for next-day key tokens. This key is
// distinct from the batch signing key; the two rotate independently.
type Issuer struct {
	private *ecdsa.PrivateKey
	Issuer  string
}

// NewFromBase64 creates an issuer from a base64-encoded PKCS#8 P-256 private
// key. If privB64 is empty, it generates an ephemeral key (good for local
// dev; tokens won't survive a restart).
func NewFromBase64(privB64, iss string) (*Issuer, error) {
	var priv *ecdsa.PrivateKey
	if privB64 == "" {
		var err error
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		parsed, err := x509.ParsePKCS8PrivateKey(raw)
		if err != nil {
			return nil, err
		}
		var ok bool
		priv, ok = parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("tokens: private key is not ECDSA")
		}
	}
	return &Issuer{private: priv, Issuer: iss}, nil
}

// IssueDelayedKeyToken signs a token carrying the ten-minute interval of the
// day whose final key the bearer may still upload. Valid for 48 hours, long
// enough to cross the next midnight in any timezone.
func (i *Issuer) IssueDelayedKeyToken(onsetDay time.Time) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss":            i.Issuer,
		"iat":            now.Unix(),
		"exp":            now.Add(48 * time.Hour).Unix(),
		"delayedKeyDate": int64(domain.TenMinuteInterval(domain.StartOfDayUTC(onsetDay))),
	})
	return t.SignedString(i.private)
}

// ParseDelayedKeyDate validates a token issued by this issuer and extracts
// the delayed key date interval.
func (i *Issuer) ParseDelayedKeyDate(token string) (uint32, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("tokens: unexpected signing method %v", t.Header["alg"])
		}
		return &i.private.PublicKey, nil
	})
	if err != nil {
		return 0, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("tokens: unexpected claims type")
	}
	raw, ok := claims["delayedKeyDate"].(float64)
	if !ok {
		return 0, errors.New("tokens: missing delayedKeyDate claim")
	}
	return uint32(raw), nil
}
