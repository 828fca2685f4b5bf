package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Key encodings stored next to the key bytes.
const (
	FormatPKCS8 = "pkcs8"
	FormatPKIX  = "pkix"
	FormatRaw   = "raw"
)

// Material is the serialized form of a key pair. PublicKey is empty for
// symmetric algorithms.
type Material struct {
	PublicKey        []byte
	PublicKeyFormat  string
	PrivateKey       []byte
	PrivateKeyFormat string
}

// Algorithm is one supported signing algorithm.
type Algorithm interface {
	// Name is the JWA name, also stored as the algorithm tag of the key.
	Name() string
	Asymmetric() bool
	Generate() (*Material, error)
	SigningMethod() jwt.SigningMethod
	// Parse returns the signing key and the verification key of the material.
	Parse(m *Material) (signingKey, verificationKey any, err error)
}

type rsaAlgorithm struct {
	method *jwt.SigningMethodRSA
	bits   int
}

// RS256 signs with RSASSA-PKCS1-v1_5 over SHA-256.
func RS256() Algorithm {
	return &rsaAlgorithm{method: jwt.SigningMethodRS256, bits: 2048}
}

func (a *rsaAlgorithm) Name() string                     { return a.method.Alg() }
func (a *rsaAlgorithm) Asymmetric() bool                 { return true }
func (a *rsaAlgorithm) SigningMethod() jwt.SigningMethod { return a.method }

func (a *rsaAlgorithm) Generate() (*Material, error) {
	private, err := rsa.GenerateKey(rand.Reader, a.bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return marshalPair(private, &private.PublicKey)
}

func (a *rsaAlgorithm) Parse(m *Material) (any, any, error) {
	private, err := parsePKCS8(m)
	if err != nil {
		return nil, nil, err
	}
	rsaKey, ok := private.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("expected an RSA private key, got %T", private)
	}
	return rsaKey, &rsaKey.PublicKey, nil
}

type ecdsaAlgorithm struct {
	method *jwt.SigningMethodECDSA
	curve  elliptic.Curve
}

// ES256 signs with ECDSA on P-256.
func ES256() Algorithm {
	return &ecdsaAlgorithm{method: jwt.SigningMethodES256, curve: elliptic.P256()}
}

func (a *ecdsaAlgorithm) Name() string                     { return a.method.Alg() }
func (a *ecdsaAlgorithm) Asymmetric() bool                 { return true }
func (a *ecdsaAlgorithm) SigningMethod() jwt.SigningMethod { return a.method }

func (a *ecdsaAlgorithm) Generate() (*Material, error) {
	private, err := ecdsa.GenerateKey(a.curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	return marshalPair(private, &private.PublicKey)
}

func (a *ecdsaAlgorithm) Parse(m *Material) (any, any, error) {
	private, err := parsePKCS8(m)
	if err != nil {
		return nil, nil, err
	}
	ecKey, ok := private.(*ecdsa.PrivateKey)
	if !ok || ecKey.Curve != a.curve {
		return nil, nil, fmt.Errorf("expected an ECDSA %s private key", a.curve.Params().Name)
	}
	return ecKey, &ecKey.PublicKey, nil
}

type hmacAlgorithm struct {
	method *jwt.SigningMethodHMAC
	size   int
}

// HS256 signs with HMAC SHA-256 and a 512-bit secret.
func HS256() Algorithm {
	return &hmacAlgorithm{method: jwt.SigningMethodHS256, size: 64}
}

func (a *hmacAlgorithm) Name() string                     { return a.method.Alg() }
func (a *hmacAlgorithm) Asymmetric() bool                 { return false }
func (a *hmacAlgorithm) SigningMethod() jwt.SigningMethod { return a.method }

func (a *hmacAlgorithm) Generate() (*Material, error) {
	secret := make([]byte, a.size)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate HMAC secret: %w", err)
	}
	return &Material{PrivateKey: secret, PrivateKeyFormat: FormatRaw}, nil
}

func (a *hmacAlgorithm) Parse(m *Material) (any, any, error) {
	if m.PrivateKeyFormat != FormatRaw {
		return nil, nil, fmt.Errorf("unsupported secret format %q", m.PrivateKeyFormat)
	}
	if len(m.PrivateKey) < a.method.Hash.Size() {
		return nil, nil, fmt.Errorf("HMAC secret is too short")
	}
	return m.PrivateKey, m.PrivateKey, nil
}

func marshalPair(private crypto.PrivateKey, public crypto.PublicKey) (*Material, error) {
	privateDER, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return &Material{
		PublicKey:        publicDER,
		PublicKeyFormat:  FormatPKIX,
		PrivateKey:       privateDER,
		PrivateKeyFormat: FormatPKCS8,
	}, nil
}

func parsePKCS8(m *Material) (any, error) {
	if m.PrivateKeyFormat != FormatPKCS8 {
		return nil, fmt.Errorf("unsupported private key format %q", m.PrivateKeyFormat)
	}
	private, err := x509.ParsePKCS8PrivateKey(m.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return private, nil
}

// Registry resolves algorithm tags to algorithms.
type Registry struct {
	algorithms map[string]Algorithm
}

// NewRegistry creates a registry of the given algorithms.
func NewRegistry(algorithms ...Algorithm) *Registry {
	r := &Registry{algorithms: map[string]Algorithm{}}
	for _, a := range algorithms {
		r.algorithms[a.Name()] = a
	}
	return r
}

// DefaultRegistry holds every supported algorithm.
func DefaultRegistry() *Registry {
	return NewRegistry(RS256(), ES256(), HS256())
}

// Get returns the algorithm with the given name.
func (r *Registry) Get(name string) (Algorithm, error) {
	a, ok := r.algorithms[name]
	if !ok {
		return nil, fmt.Errorf("unsupported key algorithm %q", name)
	}
	return a, nil
}
