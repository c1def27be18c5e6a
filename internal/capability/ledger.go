package capability

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SecretEnvVar holds the signing secret, raw or base64-encoded.
const SecretEnvVar = "MYCELIUM_CAPABILITY_SECRET"

const (
	// DefaultTTL applies when a declaration has no expiry.
	DefaultTTL = 5 * time.Minute
	// secretLen is the generated (and strict-mode minimum) secret size.
	secretLen = 32
	// maxTracked bounds the jti table; the oldest record is evicted.
	maxTracked = 10000
	// cleanupAge is how long exhausted or revoked records linger.
	cleanupAge = 24 * time.Hour
)

var (
	ErrInvalidSignature  = errors.New("capability: invalid signature")
	ErrExpired           = errors.New("capability: token expired")
	ErrNotYetValid       = errors.New("capability: token not yet valid")
	ErrRevoked           = errors.New("capability: token revoked")
	ErrNoUsesRemaining   = errors.New("capability: no remaining uses")
	ErrScopeExceeded     = errors.New("capability: scope is not a subset")
	ErrContextMismatch   = errors.New("capability: context mismatch")
	ErrAttenuationDenied = errors.New("capability: attenuation not allowed")
	ErrShortSecret       = errors.New("capability: secret shorter than 32 bytes")
)

// SecretFromEnv resolves the signing secret from the default variable.
func SecretFromEnv(strict bool) ([]byte, error) {
	return SecretFromEnvVar(SecretEnvVar, strict)
}

// SecretFromEnvVar resolves the signing secret from the named variable.
// A value that decodes as standard base64 is used decoded, otherwise the
// raw bytes are used; an absent value generates a random 32-byte secret.
// Strict mode refuses secrets shorter than 32 bytes.
func SecretFromEnvVar(name string, strict bool) ([]byte, error) {
	if name == "" {
		name = SecretEnvVar
	}
	raw := os.Getenv(name)
	if raw == "" {
		secret := make([]byte, secretLen)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate capability secret: %w", err)
		}
		return secret, nil
	}

	secret := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		secret = decoded
	}
	if strict && len(secret) < secretLen {
		return nil, ErrShortSecret
	}
	return secret, nil
}

// Declaration describes a token to mint.
type Declaration struct {
	Issuer        string
	Subject       string
	Scope         Scope
	ExpiresIn     time.Duration // DefaultTTL when zero
	MaxUses       int           // 0 = unlimited
	NoAttenuation bool
	Context       *Context
}

// AttenuateRequest narrows a parent token.
type AttenuateRequest struct {
	Scope     Scope
	ExpiresIn time.Duration // clamped to the parent's remaining life
	MaxUses   int           // 0 inherits the parent's remaining uses
	Context   *Context
}

// tracked is the ledger's budget record for one jti.
type tracked struct {
	usesRemaining int
	hasUses       bool
	revoked       bool
	issuedAt      time.Time
}

func (t *tracked) spent(now time.Time) bool {
	return t.revoked || (t.hasUses && t.usesRemaining <= 0)
}

// Config configures the ledger.
type Config struct {
	// Secret signs tokens; see SecretFromEnv.
	Secret []byte
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Ledger signs, verifies, and tracks capability tokens.
type Ledger struct {
	mu      sync.Mutex
	secret  []byte
	tracked map[string]*tracked
	now     func() time.Time
	logger  *slog.Logger
}

// NewLedger creates a ledger over the given secret. An empty secret
// is replaced by a random one.
func NewLedger(cfg Config) (*Ledger, error) {
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, secretLen)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate capability secret: %w", err)
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		secret:  secret,
		tracked: make(map[string]*tracked),
		now:     now,
		logger:  logger.With("component", "capability"),
	}, nil
}

// Issue mints and signs a token. Use tracking is recorded only when
// the declaration carries MaxUses.
func (l *Ledger) Issue(d Declaration) (string, Payload, error) {
	ttl := d.ExpiresIn
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := l.now()
	p := Payload{
		Issuer:             d.Issuer,
		Subject:            d.Subject,
		Scope:              d.Scope,
		IssuedAt:           now.Unix(),
		NotBefore:          now.Unix(),
		ExpiresAt:          now.Add(ttl).Unix(),
		JTI:                uuid.NewString(),
		AttenuationAllowed: !d.NoAttenuation,
		Context:            d.Context,
	}
	if d.MaxUses > 0 {
		uses := d.MaxUses
		p.UsesLeft = &uses
	}

	token, err := l.sign(p)
	if err != nil {
		return "", Payload{}, err
	}
	if d.MaxUses > 0 {
		l.track(p.JTI, d.MaxUses, now)
	}
	return token, p, nil
}

// Attenuate mints a child token narrower than its parent: same scope
// type at an equal or lower level, expiry clamped to the parent's,
// uses clamped to the parent's remaining budget, contexts merged with
// the child overriding.
func (l *Ledger) Attenuate(parentToken string, req AttenuateRequest) (string, Payload, error) {
	parent, err := l.Verify(parentToken, nil)
	if err != nil {
		return "", Payload{}, fmt.Errorf("attenuate: %w", err)
	}
	if !parent.AttenuationAllowed {
		return "", Payload{}, ErrAttenuationDenied
	}
	if !parent.Scope.Includes(req.Scope) {
		return "", Payload{}, ErrScopeExceeded
	}

	now := l.now()
	exp := parent.ExpiresAt
	if req.ExpiresIn > 0 {
		if requested := now.Add(req.ExpiresIn).Unix(); requested < exp {
			exp = requested
		}
	}

	parentRemaining := l.remaining(parent)
	uses := req.MaxUses
	if parentRemaining >= 0 && (uses == 0 || uses > parentRemaining) {
		uses = parentRemaining
	}

	p := Payload{
		Issuer:             parent.Issuer,
		Subject:            parent.Subject,
		Scope:              req.Scope,
		IssuedAt:           now.Unix(),
		NotBefore:          now.Unix(),
		ExpiresAt:          exp,
		JTI:                uuid.NewString(),
		ParentJTI:          parent.JTI,
		AttenuationAllowed: parent.AttenuationAllowed,
		Context:            mergedContext(parent.Context, req.Context),
	}
	if uses > 0 {
		p.UsesLeft = &uses
	}

	token, err := l.sign(p)
	if err != nil {
		return "", Payload{}, err
	}
	if uses > 0 {
		l.track(p.JTI, uses, now)
	}
	return token, p, nil
}

// Verify checks the token's signature, validity window, revocation
// state, and remaining uses. When required is non-nil the token's
// scope must cover it.
func (l *Ledger) Verify(token string, required *Scope) (Payload, error) {
	p, err := l.decode(token)
	if err != nil {
		return Payload{}, err
	}

	now := l.now().Unix()
	if now >= p.ExpiresAt {
		return Payload{}, ErrExpired
	}
	if now < p.NotBefore {
		return Payload{}, ErrNotYetValid
	}

	l.mu.Lock()
	rec := l.tracked[p.JTI]
	if rec != nil {
		if rec.revoked {
			l.mu.Unlock()
			return Payload{}, ErrRevoked
		}
		if rec.hasUses && rec.usesRemaining <= 0 {
			l.mu.Unlock()
			return Payload{}, ErrNoUsesRemaining
		}
	}
	l.mu.Unlock()

	if required != nil && !p.Scope.Includes(*required) {
		return Payload{}, ErrScopeExceeded
	}
	return p, nil
}

// VerifyWithContext verifies the token and then enforces its context
// constraints against the call site: a bound taskId must match, and a
// named tool or server must appear in the respective allow list.
func (l *Ledger) VerifyWithContext(token string, required *Scope, call CallContext) (Payload, error) {
	p, err := l.Verify(token, required)
	if err != nil {
		return Payload{}, err
	}
	if p.Context == nil {
		return p, nil
	}
	if p.Context.TaskID != "" && call.TaskID != p.Context.TaskID {
		return Payload{}, ErrContextMismatch
	}
	if call.Tool != "" && len(p.Context.Tools) > 0 && !contains(p.Context.Tools, call.Tool) {
		return Payload{}, ErrContextMismatch
	}
	if call.Server != "" && len(p.Context.Servers) > 0 && !contains(p.Context.Servers, call.Server) {
		return Payload{}, ErrContextMismatch
	}
	return p, nil
}

// Consume spends one use of a tracked token. Untracked tokens are
// unlimited and consume is a no-op.
func (l *Ledger) Consume(jti string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.tracked[jti]
	if rec == nil {
		return nil
	}
	if rec.revoked {
		return ErrRevoked
	}
	if rec.hasUses {
		if rec.usesRemaining <= 0 {
			return ErrNoUsesRemaining
		}
		rec.usesRemaining--
	}
	return nil
}

// Revoke marks a jti revoked, creating a record when none exists.
func (l *Ledger) Revoke(jti string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.tracked[jti]
	if rec == nil {
		rec = &tracked{issuedAt: l.now()}
		l.insertLocked(jti, rec)
	}
	rec.revoked = true
}

// Remaining reports a token's remaining uses; -1 means unlimited.
func (l *Ledger) Remaining(jti string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.tracked[jti]
	if rec == nil || !rec.hasUses {
		return -1
	}
	return rec.usesRemaining
}

// Cleanup drops exhausted or revoked records older than 24h and
// returns the number removed. The facade runs this hourly.
func (l *Ledger) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for jti, rec := range l.tracked {
		if rec.spent(now) && now.Sub(rec.issuedAt) > cleanupAge {
			delete(l.tracked, jti)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("capability cleanup", "removed", removed, "tracked", len(l.tracked))
	}
	return removed
}

// TrackedCount reports the ledger table size.
func (l *Ledger) TrackedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tracked)
}

func (l *Ledger) sign(p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode capability payload: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + l.signature(encoded), nil
}

func (l *Ledger) signature(encodedPayload string) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// decode splits and authenticates the wire form. Every malformation
// is reported as an invalid signature.
func (l *Ledger) decode(token string) (Payload, error) {
	encoded, sig, ok := splitToken(token)
	if !ok {
		return Payload{}, ErrInvalidSignature
	}
	want := l.signature(encoded)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return Payload{}, ErrInvalidSignature
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, ErrInvalidSignature
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, ErrInvalidSignature
	}
	return p, nil
}

func splitToken(token string) (payload, sig string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			return token[:i], token[i+1:], i > 0 && i+1 < len(token)
		}
	}
	return "", "", false
}

func (l *Ledger) track(jti string, uses int, issuedAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertLocked(jti, &tracked{usesRemaining: uses, hasUses: true, issuedAt: issuedAt})
}

// insertLocked adds a record, evicting the oldest when at capacity.
// Caller holds mu.
func (l *Ledger) insertLocked(jti string, rec *tracked) {
	if len(l.tracked) >= maxTracked {
		var oldestJTI string
		var oldest time.Time
		for id, r := range l.tracked {
			if oldestJTI == "" || r.issuedAt.Before(oldest) {
				oldestJTI = id
				oldest = r.issuedAt
			}
		}
		delete(l.tracked, oldestJTI)
	}
	l.tracked[jti] = rec
}

// remaining reports the parent's remaining uses for attenuation
// clamping; -1 means unlimited.
func (l *Ledger) remaining(p Payload) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.tracked[p.JTI]
	if rec != nil && rec.hasUses {
		return rec.usesRemaining
	}
	if p.UsesLeft != nil {
		return *p.UsesLeft
	}
	return -1
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
