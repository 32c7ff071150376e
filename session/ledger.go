package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmcleod/taskward/internal/util"
	"github.com/jmcleod/taskward/kv"
)

const (
	revokedTokenPrefix = "blacklist_jti:"
	revokedUserPrefix  = "blacklist_user:"
	codePrefix         = "tfa_code:"

	// CodeLength is the number of characters in a two-factor code.
	CodeLength = 6

	// minRevocationTTL keeps entries for tokens that are about to expire
	// representable as a positive expiry.
	minRevocationTTL = time.Second
)

// RevokedTokenKey is the ledger key for a token id.
func RevokedTokenKey(jti string) string { return revokedTokenPrefix + jti }

// RevokedUserKey is the ledger key for a whole account.
func RevokedUserKey(sub string) string { return revokedUserPrefix + sub }

// CodeKey is the cache key of a user's pending two-factor code.
func CodeKey(userID int64) string { return codePrefix + strconv.FormatInt(userID, 10) }

// Ledger records revoked token ids and user ids. Entries are written with
// SET NX so an existing entry's expiry is never extended.
type Ledger struct {
	reg *kv.Registry
	db  int
}

// NewLedger returns a Ledger stored in logical database db.
func NewLedger(reg *kv.Registry, db int) *Ledger {
	return &Ledger{reg: reg, db: db}
}

func (l *Ledger) store(ctx context.Context) (kv.Store, error) {
	return l.reg.DB(ctx, l.db)
}

func (l *Ledger) add(ctx context.Context, key string, ttl time.Duration) error {
	s, err := l.store(ctx)
	if err != nil {
		return err
	}
	if ttl < minRevocationTTL {
		ttl = minRevocationTTL
	}
	if _, err := s.SetNX(ctx, key, "", ttl); err != nil {
		return fmt.Errorf("revoking %s: %w", key, err)
	}
	return nil
}

// RevokeToken denylists jti for ttl.
func (l *Ledger) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	return l.add(ctx, RevokedTokenKey(jti), ttl)
}

// RevokeUser denylists every token of the account sub for ttl.
func (l *Ledger) RevokeUser(ctx context.Context, sub string, ttl time.Duration) error {
	return l.add(ctx, RevokedUserKey(sub), ttl)
}

// TokenRevoked reports whether jti is denylisted.
func (l *Ledger) TokenRevoked(ctx context.Context, jti string) (bool, error) {
	s, err := l.store(ctx)
	if err != nil {
		return false, err
	}
	n, err := s.Exists(ctx, RevokedTokenKey(jti))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoked reports whether either jti or the account sub is denylisted,
// checking both in one round trip.
func (l *Ledger) Revoked(ctx context.Context, jti, sub string) (bool, error) {
	s, err := l.store(ctx)
	if err != nil {
		return false, err
	}
	n, err := s.Exists(ctx, RevokedTokenKey(jti), RevokedUserKey(sub))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Codes caches at most one pending two-factor code per user.
type Codes struct {
	reg *kv.Registry
	db  int
	ttl time.Duration
}

// NewCodes returns a code cache in logical database db whose entries live
// for ttl.
func NewCodes(reg *kv.Registry, db int, ttl time.Duration) *Codes {
	return &Codes{reg: reg, db: db, ttl: ttl}
}

// Issue generates a fresh code for userID, replacing any earlier one.
func (c *Codes) Issue(ctx context.Context, userID int64) (string, error) {
	s, err := c.reg.DB(ctx, c.db)
	if err != nil {
		return "", err
	}
	code, err := util.RandomChars(CodeLength)
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	if err := s.Set(ctx, CodeKey(userID), code, c.ttl); err != nil {
		return "", err
	}
	return code, nil
}

// Match reports whether code equals the pending code of userID. An absent
// code never matches.
func (c *Codes) Match(ctx context.Context, userID int64, code string) (bool, error) {
	s, err := c.reg.DB(ctx, c.db)
	if err != nil {
		return false, err
	}
	stored, err := s.Get(ctx, CodeKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if code == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(code)) == 1, nil
}

// Consume deletes the pending code of userID.
func (c *Codes) Consume(ctx context.Context, userID int64) error {
	s, err := c.reg.DB(ctx, c.db)
	if err != nil {
		return err
	}
	return s.Del(ctx, CodeKey(userID))
}

// TTL returns the remaining lifetime of userID's code, zero when absent.
func (c *Codes) TTL(ctx context.Context, userID int64) (time.Duration, error) {
	s, err := c.reg.DB(ctx, c.db)
	if err != nil {
		return 0, err
	}
	ttl, err := s.TTL(ctx, CodeKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
