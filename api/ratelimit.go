package api

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// lockoutLimiter tracks consecutive failed logins per key and locks the key
// out with exponential backoff once maxFailures is reached. Keys are
// normalized usernames or client IPs, never passwords.
type lockoutLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*attemptRecord
	maxFailures int
	baseLockout time.Duration
	maxLockout  time.Duration
	now         func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	accountMaxFailures = 5
	accountBaseLockout = time.Minute
	accountMaxLockout  = 15 * time.Minute

	ipMaxFailures = 20
	ipBaseLockout = time.Minute
	ipMaxLockout  = 30 * time.Minute

	// attemptExpiry is how long after the last failure a record is kept.
	attemptExpiry = time.Hour
)

func newLockoutLimiter(maxFailures int, base, ceiling time.Duration) *lockoutLimiter {
	return &lockoutLimiter{
		attempts:    make(map[string]*attemptRecord),
		maxFailures: maxFailures,
		baseLockout: base,
		maxLockout:  ceiling,
		now:         time.Now,
	}
}

func newAccountLimiter() *lockoutLimiter {
	return newLockoutLimiter(accountMaxFailures, accountBaseLockout, accountMaxLockout)
}

func newIPLimiter() *lockoutLimiter {
	return newLockoutLimiter(ipMaxFailures, ipBaseLockout, ipMaxLockout)
}

// check reports whether key is locked out and for how long.
func (rl *lockoutLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure counts a failure. From maxFailures on, the lockout is
// baseLockout * 2^(failures - maxFailures), capped at maxLockout.
func (rl *lockoutLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now
	if rec.failures < rl.maxFailures {
		return
	}
	lockout := rl.baseLockout
	for i := rl.maxFailures; i < rec.failures && lockout < rl.maxLockout; i++ {
		lockout *= 2
	}
	rec.lockedUntil = now.Add(min(lockout, rl.maxLockout))
}

func (rl *lockoutLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

func (rl *lockoutLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, key)
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "Too many failed login attempts, try again later")
}

func retryAfterString(d time.Duration) string {
	return strconv.Itoa(max(int(d.Seconds()), 1))
}

// clientIP returns the client address for rate limiting. Forwarding headers
// are honored only when the direct peer is inside a trusted proxy range.
func (a *API) clientIP(r *http.Request) string {
	return clientIPWithProxies(r, a.trustedProxies)
}

func clientIPWithProxies(r *http.Request, trusted []netip.Prefix) string {
	remote, _ := parseIP(r.RemoteAddr)
	if remote.IsValid() && peerTrusted(remote, trusted) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIP(part); ok {
					return ip.String()
				}
			}
		}
		if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
			if ip, ok := parseIP(xrip); ok {
				return ip.String()
			}
		}
	}
	if remote.IsValid() {
		return remote.String()
	}
	return ""
}

func peerTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseIP accepts a bare address, host:port, or a bracketed IPv6 literal.
func parseIP(raw string) (netip.Addr, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

// ParseTrustedProxies parses CIDR ranges for WithTrustedProxies. A bare
// address is treated as a single-host range.
func ParseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
