// internal/config/apikey.go
// X-API-Key issuance and verification for RelayHTTP, optionally CIDR-scoped.
// Built around an HMAC-SHA256 JWT signer/verifier -- the API key is itself a
// compact JWT so a CIDR restriction can travel as a claim instead of a
// second side-table.
package config

import (
	"errors"
	"net/netip"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// APIKeyIssuer mints API keys for operators to hand to Agents out of band.
type APIKeyIssuer struct {
	secret []byte
	issuer string
}

// NewAPIKeyIssuer returns an issuer keyed by secret; issuer is carried as the
// iss claim purely for operator bookkeeping.
func NewAPIKeyIssuer(secret []byte, issuer string) *APIKeyIssuer {
	return &APIKeyIssuer{secret: secret, issuer: issuer}
}

// Issue mints an API key. ttl of zero means no expiry: API keys are
// long-lived operator-managed credentials, unlike the per-request Token.
// cidr, if non-empty, restricts the key to RelayHTTP requests originating
// from that range.
func (i *APIKeyIssuer) Issue(label string, ttl time.Duration, cidr string) (string, error) {
	claims := jwt.MapClaims{
		"iss":   i.issuer,
		"sub":   label,
		"iat":   time.Now().Unix(),
	}
	if ttl != 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	if cidr != "" {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return "", err
		}
		claims["cidr"] = cidr
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.secret)
}

// APIKeyVerifier validates keys presented via X-API-Key.
type APIKeyVerifier struct {
	secret []byte
	issuer string
}

func NewAPIKeyVerifier(secret []byte, issuer string) *APIKeyVerifier {
	return &APIKeyVerifier{secret: secret, issuer: issuer}
}

var (
	ErrAPIKeyInvalid  = errors.New("invalid api key")
	ErrAPIKeyExpired  = errors.New("api key expired")
	ErrAPIKeyWrongCIDR = errors.New("api key not valid from this address")
)

// Verify checks key's signature/expiry/issuer and, if the key carries a cidr
// claim, that remoteIP falls within it.
func (v *APIKeyVerifier) Verify(key string, remoteIP netip.Addr) error {
	parsed, err := jwt.Parse(key, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrAPIKeyInvalid
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrAPIKeyExpired
		}
		return ErrAPIKeyInvalid
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return ErrAPIKeyInvalid
	}
	if v.issuer != "" && claims["iss"] != v.issuer {
		return ErrAPIKeyInvalid
	}

	cidr, _ := claims["cidr"].(string)
	if cidr == "" {
		return nil
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return ErrAPIKeyInvalid
	}
	if !prefix.Contains(remoteIP.Unmap()) {
		return ErrAPIKeyWrongCIDR
	}
	return nil
}
