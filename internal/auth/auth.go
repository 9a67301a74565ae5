package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const defaultIssuer = "accounts"

// Token types carried in the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims represents JWT claims used across the service. Refresh tokens carry no roles.
type Claims struct {
	Roles     []string `json:"roles,omitempty"`
	TokenType string   `json:"typ"`
	Account   string   `json:"acc,omitempty"`
	jwt.RegisteredClaims
}

// Signer signs and verifies session tokens. Parse checks the signature and the
// issuer only; expiry is decided against the stored token row.
type Signer interface {
	Sign(claims Claims) (string, error)
	Parse(token string) (*Claims, error)
}

// JWTSigner signs with HS256 when built from a shared secret and with RS256
// when built from a key pair.
type JWTSigner struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	keyID     string
}

// NewHMACSigner returns an HS256 signer.
func NewHMACSigner(secret, issuer string) (*JWTSigner, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: token secret is required")
	}
	key := []byte(secret)
	return &JWTSigner{
		method:    jwt.SigningMethodHS256,
		signKey:   key,
		verifyKey: key,
		issuer:    issuerOrDefault(issuer),
	}, nil
}

// NewRSASigner returns an RS256 signer. When publicPEM is empty the public key
// is taken from the private key.
func NewRSASigner(privatePEM, publicPEM, issuer, keyID string) (*JWTSigner, error) {
	privatePEM = strings.TrimSpace(privatePEM)
	if privatePEM == "" {
		return nil, errors.New("auth: private key is required")
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	pub := &priv.PublicKey
	if publicPEM = strings.TrimSpace(publicPEM); publicPEM != "" {
		parsed, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		if !parsed.Equal(pub) {
			return nil, errors.New("auth: public key does not match private key")
		}
		pub = parsed
	}
	return newRSASigner(priv, pub, issuer, keyID), nil
}

func newRSASigner(priv *rsa.PrivateKey, pub *rsa.PublicKey, issuer, keyID string) *JWTSigner {
	return &JWTSigner{
		method:    jwt.SigningMethodRS256,
		signKey:   priv,
		verifyKey: pub,
		issuer:    issuerOrDefault(issuer),
		keyID:     strings.TrimSpace(keyID),
	}
}

func issuerOrDefault(issuer string) string {
	if issuer = strings.TrimSpace(issuer); issuer != "" {
		return issuer
	}
	return defaultIssuer
}

// Sign stamps the issuer and signs claims.
func (s *JWTSigner) Sign(claims Claims) (string, error) {
	claims.Issuer = s.issuer
	token := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature, algorithm and issuer and requires jti, sub and typ.
func (s *JWTSigner) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return s.verifyKey, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != s.issuer || claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != TokenTypeAccess && claims.TokenType != TokenTypeRefresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// digest is the stored form of an issued token.
func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func digestMatches(stored, token string) bool {
	computed := digest(token)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(computed)) == 1
}
