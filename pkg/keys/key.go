package keys

import (
	"crypto"
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/obot-platform/authz-server/pkg/types"
)

// Key names.
const (
	// NamePublic signs access and id tokens and is published in the JWKS.
	NamePublic = "public"
	// NameRefresh signs refresh tokens and is never published.
	NameRefresh = "refresh"
	// NameState signs flow state tokens.
	NameState = "state"
)

// Key is a loaded signing key. Private material never leaves this package
// except through SigningKey for token signing.
type Key struct {
	Name      string
	Algorithm Algorithm
	// ID is the RFC 7638 thumbprint of the public key; empty for symmetric keys.
	ID string

	material        Material
	signingKey      any
	verificationKey any
}

func newKey(row *types.CryptoKeys, algorithm Algorithm) (*Key, error) {
	if row.Algorithm != algorithm.Name() {
		return nil, fmt.Errorf("key %q uses algorithm %s, expected %s", row.Name, row.Algorithm, algorithm.Name())
	}
	material := Material{
		PublicKey:        row.PublicKey,
		PublicKeyFormat:  row.PublicKeyFormat,
		PrivateKey:       row.PrivateKey,
		PrivateKeyFormat: row.PrivateKeyFormat,
	}
	signingKey, verificationKey, err := algorithm.Parse(&material)
	if err != nil {
		return nil, fmt.Errorf("failed to load key %q: %w", row.Name, err)
	}

	key := &Key{
		Name:            row.Name,
		Algorithm:       algorithm,
		material:        material,
		signingKey:      signingKey,
		verificationKey: verificationKey,
	}
	if algorithm.Asymmetric() {
		jwk := jose.JSONWebKey{Key: verificationKey}
		thumbprint, err := jwk.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("failed to compute key id: %w", err)
		}
		key.ID = base64.RawURLEncoding.EncodeToString(thumbprint)
	}
	return key, nil
}

func (k *Key) SigningMethod() jwt.SigningMethod {
	return k.Algorithm.SigningMethod()
}

func (k *Key) SigningKey() any {
	return k.signingKey
}

func (k *Key) VerificationKey() any {
	return k.verificationKey
}

// PublicJWK returns the public half of the key as a JWK. Symmetric keys have none.
func (k *Key) PublicJWK() (jose.JSONWebKey, bool) {
	if !k.Algorithm.Asymmetric() {
		return jose.JSONWebKey{}, false
	}
	return jose.JSONWebKey{
		Key:       k.verificationKey,
		KeyID:     k.ID,
		Algorithm: k.Algorithm.Name(),
		Use:       "sig",
	}, true
}
