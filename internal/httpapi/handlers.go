package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/auth"
	"github.com/fastybird/accounts-module/internal/obs"
)

const (
	defaultRateBurst    = 20
	defaultRatePerSec   = 5.0
	defaultMaxBodyBytes = 1 << 20
)

// SessionService is the session surface served under /v1/session.
type SessionService interface {
	Login(ctx context.Context, uid, secret string) (auth.Session, error)
	Refresh(ctx context.Context, refreshToken string) (auth.Session, error)
	Logout(ctx context.Context, accessToken string) error
	Authorize(ctx context.Context, accessToken string) (auth.Grant, error)
}

// AccountService is the account surface served under /v1/accounts and /v1/roles.
type AccountService interface {
	CreateAccount(ctx context.Context, input accounts.NewAccount) (accounts.CreatedAccount, error)
	Account(ctx context.Context, id string) (accounts.Account, error)
	Emails(ctx context.Context, accountID string) ([]accounts.Email, error)
	UpdateAccount(ctx context.Context, id string, upd accounts.AccountUpdate) (accounts.Account, error)
	DeleteAccount(ctx context.Context, id string) error
	AddEmail(ctx context.Context, accountID string, input accounts.NewEmail) (accounts.Email, error)
	UpdateEmail(ctx context.Context, accountID, emailID string, upd accounts.EmailUpdate) (accounts.Email, error)
	DeleteEmail(ctx context.Context, accountID, emailID string) error
	ChangeSecret(ctx context.Context, identityID, next string) error
	RequestPasswordReset(ctx context.Context, uid string) (string, error)
	ResetPassword(ctx context.Context, uid, hash, next string) error
	CreateRole(ctx context.Context, name, parent, description string) (accounts.Role, error)
	RoleTree(ctx context.Context) (*accounts.RoleTree, error)
}

// Pinger reports backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe is a readiness check over the store.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// ResetNotifier delivers password reset hashes to their owners.
type ResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, uid, hash string) error
}

type logNotifier struct{}

// NotifyPasswordReset only records that a reset was requested; the hash is never logged.
func (logNotifier) NotifyPasswordReset(_ context.Context, uid, _ string) error {
	l := obs.Logger()
	l.Info().Str("uid", uid).Msg("password reset requested")
	return nil
}

// API is the HTTP layer.
type API struct {
	mux          *http.ServeMux
	sessions     SessionService
	accounts     AccountService
	notifier     ResetNotifier
	readyProbe   ReadyProbe
	version      string
	rateBurst    int
	ratePerSec   float64
	maxBodyBytes int64
	proxies      []netip.Prefix
}

// Option configures API.
type Option func(*API)

// WithReadyProbe sets the readiness check used by /readyz.
func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.readyProbe = rp }
}

// WithVersion sets the version reported by /healthz and /v1/info.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithRateLimit configures the per-client token bucket. A zero burst disables limiting.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithTrustedProxies lists the proxies whose X-Forwarded-For header is believed.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.proxies = prefixes }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithResetNotifier replaces the password reset delivery.
func WithResetNotifier(n ResetNotifier) Option {
	return func(a *API) {
		if n != nil {
			a.notifier = n
		}
	}
}

// New builds the API over the session and account services.
func New(sessions SessionService, accountSvc AccountService, opts ...Option) *API {
	obs.Init()
	a := &API{
		mux:          http.NewServeMux(),
		sessions:     sessions,
		accounts:     accountSvc,
		notifier:     logNotifier{},
		version:      "dev",
		rateBurst:    defaultRateBurst,
		ratePerSec:   defaultRatePerSec,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/session", a.handleLogin)
	a.mux.HandleFunc("PATCH /v1/session", a.handleRefresh)
	a.mux.HandleFunc("DELETE /v1/session", a.handleLogout)
	a.mux.HandleFunc("GET /v1/session", a.handleCurrentSession)

	a.mux.HandleFunc("POST /v1/accounts", a.handleCreateAccount)
	a.mux.HandleFunc("GET /v1/accounts/{id}", a.handleGetAccount)
	a.mux.HandleFunc("PATCH /v1/accounts/{id}", a.handleUpdateAccount)
	a.mux.HandleFunc("DELETE /v1/accounts/{id}", a.handleDeleteAccount)
	a.mux.HandleFunc("GET /v1/accounts/{id}/emails", a.handleListEmails)
	a.mux.HandleFunc("POST /v1/accounts/{id}/emails", a.handleAddEmail)
	a.mux.HandleFunc("PATCH /v1/accounts/{id}/emails/{email_id}", a.handleUpdateEmail)
	a.mux.HandleFunc("DELETE /v1/accounts/{id}/emails/{email_id}", a.handleDeleteEmail)

	a.mux.HandleFunc("GET /v1/roles", a.handleListRoles)
	a.mux.HandleFunc("POST /v1/roles", a.handleCreateRole)

	a.mux.HandleFunc("POST /v1/password-reset", a.handleRequestPasswordReset)
	a.mux.HandleFunc("PUT /v1/password-reset", a.handleResetPassword)

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	if a.rateBurst > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = ClientAddr(h, a.proxies)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "accounts-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "accounts-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
