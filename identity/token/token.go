// Package token implements signed session tokens a Handshake may carry to
// establish a UserIdentity without a separate auth round trip.
package token

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/grainrpc/internal/base64url"
)

// Prefix identifies the token format version on the wire.
const Prefix = "GRT1"

// Payload is the signed token payload identifying a session principal.
type Payload struct {
	Kid          string `json:"kid"`
	Aud          string `json:"aud"`
	Iss          string `json:"iss,omitempty"`
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name,omitempty"`
	Role         uint8  `json:"role"`
	ConnectionID string `json:"connection_id"`
	Iat          int64  `json:"iat"`
	Exp          int64  `json:"exp"`
}

var (
	ErrInvalidFormat   = errors.New("token: invalid format")
	ErrInvalidB64      = errors.New("token: invalid base64url")
	ErrInvalidJSON     = errors.New("token: invalid json")
	ErrUnknownKID      = errors.New("token: unknown kid")
	ErrInvalidSig      = errors.New("token: invalid signature")
	ErrInvalidAudience = errors.New("token: invalid audience")
	ErrInvalidIssuer   = errors.New("token: invalid issuer")
	ErrExpired         = errors.New("token: expired")
	ErrIATInFuture     = errors.New("token: iat in future")
)

// KeyLookup resolves a key ID to an Ed25519 public key.
type KeyLookup interface {
	Lookup(kid string) (ed25519.PublicKey, bool)
}

// StaticKeyset is a simple in-memory KeyLookup.
type StaticKeyset map[string]ed25519.PublicKey

func (s StaticKeyset) Lookup(kid string) (ed25519.PublicKey, bool) {
	k, ok := s[kid]
	return k, ok
}

// VerifyOptions specifies audience/issuer/time validation details.
type VerifyOptions struct {
	Now       time.Time
	Audience  string
	Issuer    string
	ClockSkew time.Duration
}

// Sign builds a signed token string using the provided Ed25519 key.
func Sign(priv ed25519.PrivateKey, payload Payload) (string, error) {
	if strings.TrimSpace(payload.Kid) == "" {
		return "", fmt.Errorf("missing kid: %w", ErrInvalidFormat)
	}
	if strings.TrimSpace(payload.Aud) == "" {
		return "", fmt.Errorf("missing aud: %w", ErrInvalidFormat)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	payloadB64u := base64url.Encode(b)
	signed := Prefix + "." + payloadB64u
	sig := ed25519.Sign(priv, []byte(signed))
	return signed + "." + base64url.Encode(sig), nil
}

// Parse splits the token into payload and signature parts without
// verifying the signature.
func Parse(tokenStr string) (payload Payload, signed []byte, sig []byte, err error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 || parts[0] != Prefix {
		return Payload{}, nil, nil, ErrInvalidFormat
	}
	payloadBytes, err := base64url.Decode(parts[1])
	if err != nil {
		return Payload{}, nil, nil, ErrInvalidB64
	}
	sigBytes, err := base64url.Decode(parts[2])
	if err != nil {
		return Payload{}, nil, nil, ErrInvalidB64
	}
	var p Payload
	if err := json.Unmarshal(payloadBytes, &p); err != nil {
		return Payload{}, nil, nil, ErrInvalidJSON
	}
	return p, []byte(Prefix + "." + parts[1]), sigBytes, nil
}

// Verify validates signature, audience/issuer, and expiry.
func Verify(tokenStr string, keys KeyLookup, opts VerifyOptions) (Payload, error) {
	p, signed, sig, err := Parse(tokenStr)
	if err != nil {
		return Payload{}, err
	}
	pub, ok := keys.Lookup(p.Kid)
	if !ok {
		return Payload{}, ErrUnknownKID
	}
	if !ed25519.Verify(pub, signed, sig) {
		return Payload{}, ErrInvalidSig
	}
	if opts.Audience != "" && subtle.ConstantTimeCompare([]byte(p.Aud), []byte(opts.Audience)) != 1 {
		return Payload{}, ErrInvalidAudience
	}
	if opts.Issuer != "" && subtle.ConstantTimeCompare([]byte(p.Iss), []byte(opts.Issuer)) != 1 {
		return Payload{}, ErrInvalidIssuer
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	skew := opts.ClockSkew
	if skew < 0 {
		skew = 0
	}

	iat := time.Unix(p.Iat, 0)
	exp := time.Unix(p.Exp, 0)
	if iat.After(now.Add(skew)) {
		return Payload{}, ErrIATInFuture
	}
	if exp.Before(now.Add(-skew)) {
		return Payload{}, ErrExpired
	}
	return p, nil
}
