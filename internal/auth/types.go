package auth

import (
	"slices"
	"time"
)

// AccessToken is the stored half of an issued access token. Roles is the role
// snapshot taken at issue time; ValidTill is nil for non-expiring tokens.
type AccessToken struct {
	ID         string
	Digest     string
	IdentityID string
	AccountID  string
	Roles      []string
	ValidTill  *time.Time
	CreatedAt  time.Time
}

// RefreshToken belongs to exactly one access token and dies with it.
type RefreshToken struct {
	ID            string
	Digest        string
	AccessTokenID string
	ValidTill     time.Time
	CreatedAt     time.Time
}

// Session is an issued token pair as handed to the client.
type Session struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  *time.Time
	RefreshExpiresAt time.Time
	IdentityID       string
	AccountID        string
	Roles            []string
}

// Grant is what a valid access token entitles its bearer to.
type Grant struct {
	TokenID    string
	IdentityID string
	AccountID  string
	Roles      []string
	ValidUntil *time.Time
}

// HasRole reports whether the snapshot contains role name.
func (g Grant) HasRole(name string) bool {
	return slices.Contains(g.Roles, name)
}
