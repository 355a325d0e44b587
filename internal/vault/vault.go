// ABOUTME: Time-boxed offline credential cache with a sliding expiry window
// ABOUTME: Lets the app authenticate with no network as long as it reconnects within the window

package vault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/2389/outpost/internal/cache"
)

// DefaultWindow is how long a cached session stays valid without network contact.
const DefaultWindow = 7 * 24 * time.Hour

// Session errors
var (
	ErrNoSession      = errors.New("no offline session")
	ErrSessionExpired = errors.New("offline session expired")
)

// User is the profile cached alongside the token.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	Plan      string `json:"plan"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Record is the persisted offline session.
type Record struct {
	Token     string    `json:"token"`
	User      User      `json:"user"`
	CachedAt  time.Time `json:"cachedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the record has not expired at now.
func (r *Record) Valid(now time.Time) bool {
	return !now.After(r.ExpiresAt)
}

// stored is the bucket payload: either a plain record or a sealed one.
type stored struct {
	Record *Record `json:"record,omitempty"`
	Sealed []byte  `json:"sealed,omitempty"`
}

// TokenSource yields a bare credential token kept outside the vault, used to
// rehydrate a missing record.
type TokenSource interface {
	BareToken(ctx context.Context) (string, bool)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, bool)

// BareToken calls f.
func (f TokenSourceFunc) BareToken(ctx context.Context) (string, bool) {
	return f(ctx)
}

// expiredKey holds the digest of the last token whose session ran out.
const expiredKey = "expired"

// Vault caches one offline session.
type Vault struct {
	bucket  *cache.Bucket[stored]
	expired *cache.Bucket[string]
	clock   clockwork.Clock
	window  time.Duration
	tokens  TokenSource
	sealKey *[32]byte
	logger  *slog.Logger

	mu            sync.Mutex
	online        bool
	expiredDigest string
}

// Option configures a Vault.
type Option func(*Vault)

// WithWindow overrides the validity window.
func WithWindow(d time.Duration) Option {
	return func(v *Vault) {
		if d > 0 {
			v.window = d
		}
	}
}

// WithTokenSource enables rehydration from a bare token.
func WithTokenSource(ts TokenSource) Option {
	return func(v *Vault) { v.tokens = ts }
}

// WithSealKey encrypts the record at rest with NaCl secretbox.
func WithSealKey(key [32]byte) Option {
	return func(v *Vault) {
		k := key
		v.sealKey = &k
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		if l != nil {
			v.logger = l
		}
	}
}

// New creates a Vault stored in the session namespace of c.
func New(c *cache.Store, opts ...Option) *Vault {
	v := &Vault{
		bucket:  cache.NewBucket[stored](c, cache.Namespace{Name: cache.NamespaceSession, Version: 1}),
		expired: cache.NewBucket[string](c, cache.Namespace{Name: cache.NamespaceSession, Version: 1}),
		clock:   c.Clock(),
		window:  DefaultWindow,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "vault")
	return v
}

// Window returns the configured validity window.
func (v *Vault) Window() time.Duration {
	return v.window
}

// Cache stores a fresh session for token and user, valid for one window.
func (v *Vault) Cache(ctx context.Context, token string, user User) *Record {
	now := v.clock.Now()
	rec := &Record{
		Token:     token,
		User:      user,
		CachedAt:  now,
		ExpiresAt: now.Add(v.window),
	}
	v.forgive(ctx)
	v.save(ctx, rec)
	v.logger.Info("cached offline session", "user_id", user.ID, "expires_at", rec.ExpiresAt)
	return rec
}

// Get returns the cached session, or nil when there is none or it expired.
// An expired record is cleared. A missing record is rehydrated from the
// TokenSource when one is configured, unless that token's session already
// expired here; only a fresh Cache (a real login) lifts that.
func (v *Vault) Get(ctx context.Context) *Record {
	rec, _ := v.Require(ctx)
	return rec
}

// HasValid reports whether a non-expired session exists. While offline this
// is the only authentication gate.
func (v *Vault) HasValid(ctx context.Context) bool {
	return v.Get(ctx) != nil
}

// Require returns the session or a reason it can't be used.
func (v *Vault) Require(ctx context.Context) (*Record, error) {
	rec := v.load(ctx)
	if rec == nil {
		var err error
		if rec, err = v.rehydrate(ctx); err != nil {
			return nil, err
		}
	}
	if rec == nil {
		return nil, ErrNoSession
	}
	if !rec.Valid(v.clock.Now()) {
		v.expire(ctx, rec)
		return nil, ErrSessionExpired
	}
	return rec, nil
}

// RemainingDays returns the whole days left, rounded up, or 0 without a
// valid session.
func (v *Vault) RemainingDays(ctx context.Context) int {
	rec := v.Get(ctx)
	if rec == nil {
		return 0
	}
	remaining := rec.ExpiresAt.Sub(v.clock.Now())
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

// RefreshExpiry slides the window forward from now. Called whenever network
// contact is confirmed. Returns false when there is no valid session.
func (v *Vault) RefreshExpiry(ctx context.Context) bool {
	rec := v.Get(ctx)
	if rec == nil {
		return false
	}
	rec.ExpiresAt = v.clock.Now().Add(v.window)
	v.save(ctx, rec)
	v.logger.Debug("slid offline session window", "user_id", rec.User.ID, "expires_at", rec.ExpiresAt)
	return true
}

// OnConnectivity records an online/offline observation. Going from offline to
// online with a valid session always refreshes the expiry.
func (v *Vault) OnConnectivity(ctx context.Context, online bool) {
	v.mu.Lock()
	wasOnline := v.online
	v.online = online
	v.mu.Unlock()

	if online && !wasOnline {
		v.RefreshExpiry(ctx)
	}
}

// Clear removes the cached session (sign-out or expiry).
func (v *Vault) Clear(ctx context.Context) {
	v.bucket.Invalidate(ctx, "")
	v.logger.Info("cleared offline session")
}

// expire clears rec and remembers its token so the same credential can't
// quietly start a new window.
func (v *Vault) expire(ctx context.Context, rec *Record) {
	v.logger.Info("offline session expired", "user_id", rec.User.ID, "expired_at", rec.ExpiresAt)
	d := tokenDigest(rec.Token)
	v.mu.Lock()
	v.expiredDigest = d
	v.mu.Unlock()
	v.expired.Set(ctx, expiredKey, d)
	v.Clear(ctx)
}

// forgive drops the expiry mark after a real login.
func (v *Vault) forgive(ctx context.Context) {
	v.mu.Lock()
	had := v.expiredDigest != ""
	v.expiredDigest = ""
	v.mu.Unlock()
	if had {
		v.expired.Invalidate(ctx, expiredKey)
		return
	}
	if _, ok := v.expired.Get(ctx, expiredKey); ok {
		v.expired.Invalidate(ctx, expiredKey)
	}
}

// isExpired reports whether token belongs to a session that already ran out.
// The in-memory mark covers a substrate that refused the write.
func (v *Vault) isExpired(ctx context.Context, token string) bool {
	d := tokenDigest(token)
	v.mu.Lock()
	mem := v.expiredDigest
	v.mu.Unlock()
	if mem == d {
		return true
	}
	e, ok := v.expired.Get(ctx, expiredKey)
	return ok && e.Data == d
}

func tokenDigest(token string) string {
	return strconv.FormatUint(xxhash.Sum64String(token), 16)
}

func (v *Vault) rehydrate(ctx context.Context) (*Record, error) {
	if v.tokens == nil {
		return nil, nil
	}
	token, ok := v.tokens.BareToken(ctx)
	if !ok || token == "" {
		return nil, nil
	}
	if v.isExpired(ctx, token) {
		v.logger.Debug("bare token belongs to an expired session, login required")
		return nil, ErrSessionExpired
	}

	claims, err := ParseClaims(token)
	if err != nil {
		v.logger.Warn("bare token not usable for offline session", "error", err)
		return nil, nil
	}
	if !claims.ExpiresAt.IsZero() && v.clock.Now().After(claims.ExpiresAt) {
		v.logger.Info("bare token already expired, not rehydrating")
		return nil, ErrSessionExpired
	}

	v.logger.Info("rehydrating offline session from bare token", "user_id", claims.User.ID)
	return v.Cache(ctx, token, claims.User), nil
}

func (v *Vault) load(ctx context.Context) *Record {
	e, ok := v.bucket.Get(ctx, "")
	if !ok {
		return nil
	}
	if e.Data.Record != nil {
		return e.Data.Record
	}
	if len(e.Data.Sealed) == 0 {
		return nil
	}
	rec, err := v.open(e.Data.Sealed)
	if err != nil {
		v.logger.Warn("sealed session unreadable, clearing", "error", err)
		v.Clear(ctx)
		return nil
	}
	return rec
}

func (v *Vault) save(ctx context.Context, rec *Record) {
	if v.sealKey == nil {
		v.bucket.Set(ctx, "", stored{Record: rec})
		return
	}
	sealed, err := v.seal(rec)
	if err != nil {
		v.logger.Warn("sealing session failed, not cached", "error", err)
		return
	}
	v.bucket.Set(ctx, "", stored{Sealed: sealed})
}

// seal encrypts rec as nonce || secretbox(json(rec)).
func (v *Vault) seal(rec *Record) ([]byte, error) {
	plain, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, v.sealKey), nil
}

func (v *Vault) open(box []byte) (*Record, error) {
	if v.sealKey == nil {
		return nil, errors.New("sealed record but no key configured")
	}
	if len(box) < 24 {
		return nil, errors.New("sealed record too short")
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, v.sealKey)
	if !ok {
		return nil, errors.New("sealed record failed authentication")
	}
	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}
