package authn

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues tokens the validators accept. Production tokens come from the
// identity provider; this is for local development, the CLI and tests.
type Signer struct {
	method jwt.SigningMethod
	key    any
	public ed25519.PublicKey
	KeyID  string
	Issuer string
}

// NewHMACSigner signs HS256 tokens with a shared secret.
func NewHMACSigner(secret, issuer string) *Signer {
	return &Signer{method: jwt.SigningMethodHS256, key: []byte(secret), Issuer: issuer}
}

// NewEd25519Signer creates an EdDSA signer from base64-encoded private key
// bytes. An empty privB64 generates an ephemeral key.
func NewEd25519Signer(privB64, kid, iss string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		var err error
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	return &Signer{
		method: jwt.SigningMethodEdDSA,
		key:    priv,
		public: priv.Public().(ed25519.PublicKey),
		KeyID:  kid,
		Issuer: iss,
	}, nil
}

// Sign issues a token for subject with the given lifetime and extra claims.
func (s *Signer) Sign(sub string, ttl time.Duration, claims map[string]any) (string, error) {
	now := time.Now()
	m := jwt.MapClaims{}
	for k, v := range claims {
		m[k] = v
	}
	m["iss"] = s.Issuer
	m["sub"] = sub
	m["iat"] = now.Unix()
	m["exp"] = now.Add(ttl).Unix()

	t := jwt.NewWithClaims(s.method, m)
	if s.KeyID != "" {
		t.Header["kid"] = s.KeyID
	}
	return t.SignedString(s.key)
}

// PublicJWK renders the Ed25519 public key for a JWKS document. It returns
// nil for HMAC signers.
func (s *Signer) PublicJWK() map[string]any {
	if s.public == nil {
		return nil
	}
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}
