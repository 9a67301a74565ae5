package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/ids"
)

const (
	DefaultAccessTTL  = 6 * time.Hour
	DefaultRefreshTTL = 72 * time.Hour
)

// TokenManager issues, rotates and revokes token pairs inside the caller's transaction.
type TokenManager struct {
	signer     Signer
	now        func() time.Time
	newID      func() string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

// AccessTTL sets the access token lifetime. Zero or negative issues
// non-expiring access tokens.
func AccessTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) { m.accessTTL = ttl }
}

// RefreshTTL sets the refresh token lifetime.
func RefreshTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) {
		if ttl > 0 {
			m.refreshTTL = ttl
		}
	}
}

// TokenClock overrides time source (useful for tests).
func TokenClock(fn func() time.Time) TokenOption {
	return func(m *TokenManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// TokenIDs overrides token id generation.
func TokenIDs(fn func() string) TokenOption {
	return func(m *TokenManager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewTokenManager returns a manager with 6h access and 72h refresh lifetimes.
func NewTokenManager(signer Signer, opts ...TokenOption) (*TokenManager, error) {
	if signer == nil {
		return nil, errors.New("auth: signer is required")
	}
	m := &TokenManager{
		signer:     signer,
		now:        time.Now,
		newID:      ids.New,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue creates an access token carrying the account's current roles and its
// refresh token, and stores both.
func (m *TokenManager) Issue(ctx context.Context, tx Tx, ident accounts.Identity, acc accounts.Account) (Session, error) {
	now := m.now().UTC()
	roles := slices.Clone(acc.Roles)

	access := AccessToken{
		ID:         m.newID(),
		IdentityID: ident.ID,
		AccountID:  acc.ID,
		Roles:      roles,
		CreatedAt:  now,
	}
	accessClaims := Claims{
		Roles:     roles,
		TokenType: TokenTypeAccess,
		Account:   acc.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  ident.ID,
			ID:       access.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if m.accessTTL > 0 {
		validTill := now.Add(m.accessTTL)
		access.ValidTill = &validTill
		accessClaims.ExpiresAt = jwt.NewNumericDate(validTill)
	}
	accessToken, err := m.signer.Sign(accessClaims)
	if err != nil {
		return Session{}, err
	}
	access.Digest = digest(accessToken)

	refresh := RefreshToken{
		ID:            m.newID(),
		AccessTokenID: access.ID,
		ValidTill:     now.Add(m.refreshTTL),
		CreatedAt:     now,
	}
	refreshToken, err := m.signer.Sign(Claims{
		TokenType: TokenTypeRefresh,
		Account:   acc.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.ID,
			ID:        refresh.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refresh.ValidTill),
		},
	})
	if err != nil {
		return Session{}, err
	}
	refresh.Digest = digest(refreshToken)

	if err := tx.InsertTokenPair(ctx, access, refresh); err != nil {
		return Session{}, fmt.Errorf("store token pair: %w", err)
	}
	return Session{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  access.ValidTill,
		RefreshExpiresAt: refresh.ValidTill,
		IdentityID:       ident.ID,
		AccountID:        acc.ID,
		Roles:            slices.Clone(roles),
	}, nil
}

// Rotate exchanges a refresh token for a new pair and deletes the old pair.
// An expired refresh token deletes its access token and returns
// ErrRefreshTokenExpired; the caller must still commit that deletion.
func (m *TokenManager) Rotate(ctx context.Context, tx Tx, authn *Authenticator, token string) (Session, error) {
	claims, err := m.signer.Parse(token)
	if err != nil || claims.TokenType != TokenTypeRefresh {
		return Session{}, ErrInvalidRefreshToken
	}
	rec, err := tx.LockRefreshToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, err
	}
	if !digestMatches(rec.Digest, token) {
		return Session{}, ErrInvalidRefreshToken
	}
	if !m.now().Before(rec.ValidTill) {
		if _, err := tx.DeleteAccessToken(ctx, rec.AccessTokenID); err != nil {
			return Session{}, err
		}
		return Session{}, ErrRefreshTokenExpired
	}

	access, err := tx.AccessTokenByID(ctx, rec.AccessTokenID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, err
	}
	ident, acc, err := authn.Reauthenticate(ctx, tx, access.IdentityID)
	if err != nil {
		return Session{}, err
	}

	session, err := m.Issue(ctx, tx, ident, acc)
	if err != nil {
		return Session{}, err
	}
	deleted, err := tx.DeleteRefreshToken(ctx, rec.ID)
	if err != nil {
		return Session{}, err
	}
	if !deleted {
		// another rotation consumed the token first
		return Session{}, ErrInvalidRefreshToken
	}
	if _, err := tx.DeleteAccessToken(ctx, access.ID); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Revoke deletes an access token and its refresh token. Unknown, malformed
// and forged tokens are ignored.
func (m *TokenManager) Revoke(ctx context.Context, tx Tx, token string) error {
	claims, err := m.signer.Parse(token)
	if err != nil || claims.TokenType != TokenTypeAccess {
		return nil
	}
	rec, err := tx.AccessTokenByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil
		}
		return err
	}
	if !digestMatches(rec.Digest, token) {
		return nil
	}
	_, err = tx.DeleteAccessToken(ctx, rec.ID)
	return err
}

// Inspect validates an access token against its stored row and returns the grant.
func (m *TokenManager) Inspect(ctx context.Context, tx Tx, token string) (Grant, error) {
	claims, err := m.signer.Parse(token)
	if err != nil || claims.TokenType != TokenTypeAccess {
		return Grant{}, ErrInvalidToken
	}
	rec, err := tx.AccessTokenByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return Grant{}, ErrInvalidToken
		}
		return Grant{}, err
	}
	if !digestMatches(rec.Digest, token) {
		return Grant{}, ErrInvalidToken
	}
	if rec.ValidTill != nil && !m.now().Before(*rec.ValidTill) {
		return Grant{}, ErrInvalidToken
	}
	return Grant{
		TokenID:    rec.ID,
		IdentityID: rec.IdentityID,
		AccountID:  rec.AccountID,
		Roles:      slices.Clone(rec.Roles),
		ValidUntil: rec.ValidTill,
	}, nil
}
