package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHMACSignerRoundTrip(t *testing.T) {
	signer, err := NewHMACSigner("test-secret", "test-issuer")
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	now := time.Now().UTC()
	token, err := signer.Sign(Claims{
		Roles:     []string{"manager"},
		TokenType: TokenTypeAccess,
		Account:   "acc-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ident-1",
			ID:        "tok-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	// expiry is judged against the stored row, not the claim
	claims, err := signer.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Issuer != "test-issuer" || claims.Subject != "ident-1" || claims.Account != "acc-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !slices.Equal(claims.Roles, []string{"manager"}) {
		t.Fatalf("roles were not preserved: %v", claims.Roles)
	}
}

func TestParseRejectsForeignTokens(t *testing.T) {
	signer, _ := NewHMACSigner("test-secret", "test-issuer")
	other, _ := NewHMACSigner("other-secret", "test-issuer")
	otherIssuer, _ := NewHMACSigner("test-secret", "elsewhere")

	claims := Claims{TokenType: TokenTypeAccess, RegisteredClaims: jwt.RegisteredClaims{Subject: "s", ID: "j"}}
	forged, _ := other.Sign(claims)
	wrongIssuer, _ := otherIssuer.Sign(claims)
	untyped, _ := signer.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "s", ID: "j"}})
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"forged":       forged,
		"wrong issuer": wrongIssuer,
		"untyped":      untyped,
		"alg none":     unsigned,
	} {
		if _, err := signer.Parse(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestRSASigner(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	signer, err := NewRSASigner(string(privPEM), string(pubPEM), "", "kid-1")
	if err != nil {
		t.Fatalf("NewRSASigner: %v", err)
	}
	token, err := signer.Sign(Claims{TokenType: TokenTypeRefresh, RegisteredClaims: jwt.RegisteredClaims{Subject: "s", ID: "j"}})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := signer.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Issuer != defaultIssuer || claims.TokenType != TokenTypeRefresh {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	hmac, _ := NewHMACSigner("test-secret", defaultIssuer)
	if _, err := hmac.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("HS256 signer must not accept RS256 tokens, got %v", err)
	}

	otherKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	otherDER, _ := x509.MarshalPKIXPublicKey(&otherKey.PublicKey)
	otherPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: otherDER})
	if _, err := NewRSASigner(string(privPEM), string(otherPEM), "", ""); err == nil {
		t.Fatal("expected mismatched key pair to be rejected")
	}
}

func TestDigestMatches(t *testing.T) {
	d := digest("token-value")
	if !digestMatches(d, "token-value") {
		t.Fatal("expected digest to match")
	}
	if digestMatches(d, "token-valuf") {
		t.Fatal("expected mismatch")
	}
}

func TestOutcomeLabels(t *testing.T) {
	if outcome(nil) != "success" || outcome(ErrRefreshTokenExpired) != "refresh_token_expired" {
		t.Fatal("unexpected outcome labels")
	}
	if outcome(errors.New("db down")) != "error" || IsAuthFailure(errors.New("db down")) {
		t.Fatal("infrastructure errors are not auth failures")
	}
}
