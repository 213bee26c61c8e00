package reconciliation

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"dropproof/pkg/config"

	"github.com/go-jose/go-jose/v4"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier authenticates a raw webhook body against its signature header.
type Verifier interface {
	Verify(body []byte, signature string) error
}

// HMACVerifier checks a hex HMAC-SHA256 of the body, optionally prefixed "sha256=".
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *HMACVerifier) Verify(body []byte, signature string) error {
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

var jwsAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.PS256, jose.ES256, jose.EdDSA}

// JWSVerifier checks a compact JWS with a detached payload ("header..signature").
type JWSVerifier struct {
	key any
}

func NewJWSVerifier(publicKeyPEM string) (*JWSVerifier, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("jws verifier: no PEM block in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jws verifier: %w", err)
	}
	return &JWSVerifier{key: key}, nil
}

func (v *JWSVerifier) Verify(body []byte, signature string) error {
	obj, err := jose.ParseDetached(strings.TrimSpace(signature), body, jwsAlgorithms)
	if err != nil {
		return ErrInvalidSignature
	}
	if _, err := obj.Verify(v.key); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// NewVerifiers builds one verifier per configured gateway. Gateways without a
// secret or key get none, and their webhooks are refused.
func NewVerifiers(cfg *config.Config) (map[string]Verifier, error) {
	out := map[string]Verifier{}
	for key, gw := range cfg.Gateways {
		name := strings.ToLower(key)

		switch strings.ToLower(gw.SignatureScheme) {
		case "", "hmac":
			if gw.WebhookSecret == "" {
				continue
			}
			out[name] = NewHMACVerifier(gw.WebhookSecret)
		case "jws":
			v, err := NewJWSVerifier(gw.PublicKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("gateway %s: %w", key, err)
			}
			out[name] = v
		default:
			return nil, fmt.Errorf("gateway %s: unknown signature scheme %q", key, gw.SignatureScheme)
		}
	}
	return out, nil
}
