package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
)

// Issuer signs session tokens with a rotatable Ed25519 keypair.
type Issuer struct {
	mu   sync.RWMutex
	kid  string
	priv ed25519.PrivateKey
}

// NewIssuer builds an Issuer from an existing Ed25519 private key.
func NewIssuer(kid string, priv ed25519.PrivateKey) (*Issuer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("token: invalid ed25519 private key")
	}
	return &Issuer{kid: kid, priv: priv}, nil
}

// NewRandomIssuer generates a random Ed25519 keypair for signing tokens.
func NewRandomIssuer(kid string) (*Issuer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewIssuer(kid, priv)
}

// CurrentKID returns the active signing key's ID.
func (i *Issuer) CurrentKID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.kid
}

// PublicKeys returns a snapshot of the currently active public key(s),
// suitable for building a StaticKeyset on the verifying side.
func (i *Issuer) PublicKeys() StaticKeyset {
	i.mu.RLock()
	defer i.mu.RUnlock()
	pub := i.priv.Public().(ed25519.PublicKey)
	return StaticKeyset{i.kid: pub}
}

// Sign signs payload with the active key, stamping its Kid.
func (i *Issuer) Sign(p Payload) (string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	p.Kid = i.kid
	return Sign(i.priv, p)
}

// Rotate replaces the active signing key and key ID.
//
// Tokens already issued under the previous key remain verifiable only if
// the verifier's keyset still carries the old kid; callers that need a
// grace period should merge old and new public keys into one StaticKeyset
// for a transition window before dropping the old key.
func (i *Issuer) Rotate(newKid string, newPriv ed25519.PrivateKey) error {
	if len(newPriv) != ed25519.PrivateKeySize {
		return errors.New("token: invalid ed25519 private key")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.kid = newKid
	i.priv = newPriv
	return nil
}
