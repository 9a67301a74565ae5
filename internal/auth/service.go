package auth

import (
	"context"
	"errors"
	"time"

	"github.com/fastybird/accounts-module/internal/obs"
)

// Service exposes login, refresh, logout and authorization. Each call runs in
// one store transaction.
type Service struct {
	store  Store
	authn  *Authenticator
	tokens *TokenManager
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source used for last visit tracking.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, authn *Authenticator, tokens *TokenManager, opts ...ServiceOption) (*Service, error) {
	if store == nil || authn == nil || tokens == nil {
		return nil, errors.New("auth: store, authenticator and token manager are required")
	}
	svc := &Service{
		store:  store,
		authn:  authn,
		tokens: tokens,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Login authenticates uid and secret, records the visit and issues a token pair.
// Stale password digests are replaced with fresh ones in the same transaction.
func (s *Service) Login(ctx context.Context, uid, secret string) (Session, error) {
	var session Session
	err := s.store.InTx(ctx, func(tx Tx) error {
		ident, acc, err := s.authn.Authenticate(ctx, tx, uid, secret)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if err := tx.RecordVisit(ctx, acc.ID, now); err != nil {
			return err
		}
		fresh, stale, err := s.authn.Upgrade(ident, secret)
		if err != nil {
			return err
		}
		if stale {
			if err := tx.UpdateUserCredential(ctx, ident.ID, fresh, now); err != nil {
				return err
			}
			ident.Credential = fresh
		}
		session, err = s.tokens.Issue(ctx, tx, ident, acc)
		return err
	})
	obs.ObserveLogin(outcome(err))
	if err != nil {
		logFailure("login", err)
		return Session{}, err
	}
	return session, nil
}

// Refresh rotates a refresh token. An expired token is consumed: its access
// token is deleted and ErrRefreshTokenExpired is returned.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	var (
		session Session
		expired bool
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		session, err = s.tokens.Rotate(ctx, tx, s.authn, refreshToken)
		if errors.Is(err, ErrRefreshTokenExpired) {
			expired = true
			return nil
		}
		return err
	})
	if err == nil && expired {
		err = ErrRefreshTokenExpired
	}
	obs.ObserveRefresh(outcome(err))
	if err != nil {
		logFailure("refresh", err)
		return Session{}, err
	}
	return session, nil
}

// Logout revokes an access token and its refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	err := s.store.InTx(ctx, func(tx Tx) error {
		return s.tokens.Revoke(ctx, tx, accessToken)
	})
	if err != nil {
		logFailure("logout", err)
		return err
	}
	obs.ObserveLogout()
	return nil
}

// Authorize resolves an access token to its grant.
func (s *Service) Authorize(ctx context.Context, accessToken string) (Grant, error) {
	var grant Grant
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		grant, err = s.tokens.Inspect(ctx, tx, accessToken)
		return err
	})
	obs.ObserveAuthorize(outcome(err))
	if err != nil {
		logFailure("authorize", err)
		return Grant{}, err
	}
	return grant, nil
}

func logFailure(op string, err error) {
	l := obs.Logger()
	if IsAuthFailure(err) {
		l.Debug().Str("op", op).Str("outcome", outcome(err)).Msg("auth_rejected")
		return
	}
	l.Error().Err(err).Str("op", op).Msg("auth_failed")
}
