// Package runnerkey implements C1, the runner-key store: issuing and
// authenticating the long-lived bearer secrets a runner presents on attach.
package runnerkey

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentryvibe/runnerbroker/broker/internal/db"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
)

const (
	// keyBytes is the length of the random plaintext token before encoding.
	keyBytes = 32

	// keyPrefixLabel prefixes every issued plaintext key so it is
	// recognizable in logs and UIs without decoding it.
	keyPrefixLabel = "sv_"

	// keyPrefixVisibleChars is how much of the encoded token is kept as the
	// stored, non-secret KeyPrefix shown in listings.
	keyPrefixVisibleChars = 8
)

// ErrUnauthorized is returned by Authenticate when the presented plaintext
// does not match any active key.
var ErrUnauthorized = errors.New("runnerkey: unauthorized")

// Store issues and authenticates runner keys. Authentication is a keyed hash
// lookup: the plaintext is never persisted, only HMAC-SHA256(plaintext)
// keyed by a process-wide pepper. Unlike a user password, a runner key is a
// 256-bit CSPRNG token with no guessable structure, so a slow password KDF
// (such as Argon2id) buys
// nothing here and only adds latency to every runner attach; a fast keyed
// hash is the correct primitive.
type Store struct {
	repo repository.RunnerKeyRepository
	pepper []byte

	// LocalMode, when true, short-circuits Authenticate to accept a single
	// fixed shared secret regardless of the key store's contents. It is a
	// process-global escape hatch for single-user/local deployments.
	LocalMode       bool
	LocalModeSecret string
}

// NewStore returns a Store backed by repo. pepper must be non-empty; it is
// mixed into every hash so a leaked database dump alone cannot be used to
// forge a match offline.
func NewStore(repo repository.RunnerKeyRepository, pepper []byte) (*Store, error) {
	if len(pepper) == 0 {
		return nil, fmt.Errorf("runnerkey: pepper must not be empty")
	}
	return &Store{repo: repo, pepper: pepper}, nil
}

// Issue generates a new plaintext key for userID, persists only its hash,
// and returns the id plus the plaintext — which is shown exactly once and
// never recoverable again.
func (s *Store) Issue(ctx context.Context, userID uuid.UUID, name string) (id uuid.UUID, plaintext string, err error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return uuid.Nil, "", fmt.Errorf("runnerkey: generate key: %w", err)
	}
	encoded := keyPrefixLabel + hex.EncodeToString(raw)

	key := db.RunnerKey{
		UserID:    userID,
		Name:      name,
		KeyHash:   s.hash(encoded),
		KeyPrefix: encoded[:keyPrefixVisibleChars],
	}
	if err := s.repo.Create(ctx, &key); err != nil {
		return uuid.Nil, "", fmt.Errorf("runnerkey: issue: %w", err)
	}
	return key.ID, encoded, nil
}

// Authenticate resolves a presented plaintext key to its owning user. It
// returns ErrUnauthorized if the key is unknown or revoked.
func (s *Store) Authenticate(ctx context.Context, plaintext string) (keyID, userID uuid.UUID, err error) {
	if s.LocalMode {
		if s.LocalModeSecret == "" || subtle.ConstantTimeCompare([]byte(plaintext), []byte(s.LocalModeSecret)) != 1 {
			return uuid.Nil, uuid.Nil, ErrUnauthorized
		}
		return uuid.Nil, uuid.Nil, nil
	}

	key, err := s.repo.GetByHash(ctx, s.hash(plaintext))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return uuid.Nil, uuid.Nil, ErrUnauthorized
		}
		return uuid.Nil, uuid.Nil, fmt.Errorf("runnerkey: authenticate: %w", err)
	}

	if err := s.repo.UpdateLastUsed(ctx, key.ID, time.Now()); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("runnerkey: update last used: %w", err)
	}
	return key.ID, key.UserID, nil
}

// List returns the runner keys owned by userID.
func (s *Store) List(ctx context.Context, userID uuid.UUID, opts repository.ListOptions) ([]db.RunnerKey, int64, error) {
	return s.repo.ListByUser(ctx, userID, opts)
}

// Revoke soft-revokes a key. Idempotent: revoking an already-revoked or
// unknown key is not an error.
func (s *Store) Revoke(ctx context.Context, id uuid.UUID) error {
	return s.repo.Revoke(ctx, id)
}

func (s *Store) hash(plaintext string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}
