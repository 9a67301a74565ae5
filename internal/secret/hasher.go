// Package secret hashes and verifies identity secrets.
package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmptySecret   = errors.New("secret: secret is empty")
	ErrEmptySalt     = errors.New("secret: salt is empty")
	errDigestFormat  = errors.New("secret: malformed digest")
	errDigestVersion = errors.New("secret: unsupported argon2 version")
)

const (
	defaultMemory      = 64 * 1024
	defaultIterations  = 2
	defaultParallelism = 1
	defaultKeyLength   = 32
	saltLength         = 16
)

// Hasher produces salted digests of secrets and verifies them in constant time.
type Hasher interface {
	Hash(secret, salt string) (string, error)
	Verify(digest, secret, salt string) bool
	NewSalt() (string, error)
}

// Argon2 hashes with argon2id. Digests carry their own parameters so tuning can
// change without invalidating stored secrets; the salt is stored next to the digest.
type Argon2 struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
}

// NewArgon2 returns a hasher with the default cost parameters.
func NewArgon2() *Argon2 {
	return &Argon2{
		Memory:      defaultMemory,
		Iterations:  defaultIterations,
		Parallelism: defaultParallelism,
		KeyLength:   defaultKeyLength,
	}
}

// NewSalt returns a random salt.
func (h *Argon2) NewSalt() (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(salt), nil
}

// Hash derives the digest of secret with salt.
func (h *Argon2) Hash(secret, salt string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if salt == "" {
		return "", ErrEmptySalt
	}
	key := argon2.IDKey([]byte(secret), []byte(salt), h.Iterations, h.Memory, h.Parallelism, h.KeyLength)
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		argon2.Version,
		h.Memory,
		h.Iterations,
		h.Parallelism,
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches digest. Digests written by bcrypt are
// accepted as well; they embed their own salt so the salt argument is ignored.
func (h *Argon2) Verify(digest, secret, salt string) bool {
	if digest == "" || secret == "" {
		return false
	}
	if isBcrypt(digest) {
		return bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret)) == nil
	}
	params, expected, err := decodeArgon2(digest)
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(secret), []byte(salt), params.Iterations, params.Memory, params.Parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// NeedsRehash reports whether digest was produced with other parameters than h.
func (h *Argon2) NeedsRehash(digest string) bool {
	if isBcrypt(digest) {
		return true
	}
	params, key, err := decodeArgon2(digest)
	if err != nil {
		return true
	}
	return params.Memory != h.Memory || params.Iterations != h.Iterations ||
		params.Parallelism != h.Parallelism || uint32(len(key)) != h.KeyLength
}

func isBcrypt(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") || strings.HasPrefix(digest, "$2b$") || strings.HasPrefix(digest, "$2y$")
}

func decodeArgon2(digest string) (Argon2, []byte, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", key
	parts := strings.Split(digest, "$")
	if len(parts) != 5 || parts[1] != "argon2id" {
		return Argon2{}, nil, errDigestFormat
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Argon2{}, nil, errDigestFormat
	}
	if version != argon2.Version {
		return Argon2{}, nil, errDigestVersion
	}
	var params Argon2
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return Argon2{}, nil, errDigestFormat
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return Argon2{}, nil, errDigestFormat
	}
	params.KeyLength = uint32(len(key))
	return params, key, nil
}

// Equal compares two opaque secrets in constant time.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
