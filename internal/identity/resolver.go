// Package identity resolves a declared agent identity to a role via
// prioritized match rules, and derives trust from configured name
// prefixes.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

var (
	// ErrUnknownAgent rejects unmatched identities in reject-unknown mode.
	ErrUnknownAgent = errors.New("identity: unknown agent")
	// ErrInvalidConfig reports malformed rule time or timezone
	// configuration under strict validation.
	ErrInvalidConfig = errors.New("identity: invalid rule configuration")
)

// Resolution is the outcome of resolving an identity.
type Resolution struct {
	Role string
	// Rule is the matched rule, nil when the default role applied.
	Rule *manifest.MatchRule
	// Trusted is independent of the role: the agent name matched a
	// configured trusted prefix.
	Trusted bool
}

// Config configures the resolver.
type Config struct {
	// DefaultRole applies when no rule matches and RejectUnknown is off.
	DefaultRole string
	// RejectUnknown refuses identities no rule matches.
	RejectUnknown bool
	// Strict raises on malformed rule time or timezone configuration
	// instead of failing open.
	Strict bool
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

type rule struct {
	manifest.MatchRule
	order int
}

// Resolver matches identities against prioritized rules. Rules are
// evaluated by descending priority with insertion order breaking ties.
type Resolver struct {
	rules           []rule
	trustedPrefixes []string
	defaultRole     string
	rejectUnknown   bool
	strict          bool
	now             func() time.Time
	logger          *slog.Logger
}

// NewResolver creates an empty resolver; call SetRules or
// LoadFromSkills to install match rules.
func NewResolver(cfg Config) *Resolver {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		defaultRole:   cfg.DefaultRole,
		rejectUnknown: cfg.RejectUnknown,
		strict:        cfg.Strict,
		now:           now,
		logger:        logger.With("component", "identity"),
	}
}

// SetRules installs the rule list and trusted prefixes. Under strict
// validation any malformed rule context fails the whole install.
func (r *Resolver) SetRules(rules []manifest.MatchRule, trustedPrefixes []string) error {
	if r.strict {
		for i, mr := range rules {
			if err := validateContext(mr.Context); err != nil {
				return fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidConfig, i, mr.Role, err)
			}
		}
	}

	ordered := make([]rule, len(rules))
	for i, mr := range rules {
		ordered[i] = rule{MatchRule: mr, order: i}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	r.rules = ordered
	r.trustedPrefixes = dedupe(trustedPrefixes)
	return nil
}

// LoadFromSkills aggregates every skill's identity block: match rules
// in manifest order and the union of trusted prefixes.
func (r *Resolver) LoadFromSkills(skills []*manifest.Skill) error {
	var rules []manifest.MatchRule
	var prefixes []string
	for _, s := range skills {
		if s.Identity == nil {
			continue
		}
		rules = append(rules, s.Identity.SkillMatching...)
		prefixes = append(prefixes, s.Identity.TrustedPrefixes...)
	}
	return r.SetRules(rules, prefixes)
}

// Rules returns the installed rules in evaluation order.
func (r *Resolver) Rules() []manifest.MatchRule {
	out := make([]manifest.MatchRule, len(r.rules))
	for i, ru := range r.rules {
		out[i] = ru.MatchRule
	}
	return out
}

// Resolve finds the first rule the identity passes. With no match it
// falls back to the default role, or rejects in reject-unknown mode.
func (r *Resolver) Resolve(id manifest.Identity) (Resolution, error) {
	trusted := r.isTrusted(id.Name)
	declared := make(map[string]struct{}, len(id.Skills))
	for _, s := range id.Skills {
		declared[s] = struct{}{}
	}

	for i := range r.rules {
		ru := &r.rules[i]
		if anyDeclared(ru.ForbiddenSkills, declared) {
			continue
		}
		if !allDeclared(ru.RequiredSkills, declared) {
			continue
		}
		if len(ru.AnySkills) > 0 && countDeclared(ru.AnySkills, declared) < ru.EffectiveMinSkillMatch() {
			continue
		}
		ok, err := r.contextMatches(ru.Context)
		if err != nil {
			return Resolution{}, err
		}
		if !ok {
			continue
		}
		matched := ru.MatchRule
		return Resolution{Role: matched.Role, Rule: &matched, Trusted: trusted}, nil
	}

	if r.rejectUnknown {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id.Name)
	}
	return Resolution{Role: r.defaultRole, Trusted: trusted}, nil
}

// isTrusted matches the agent name case-insensitively against the
// configured prefixes.
func (r *Resolver) isTrusted(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range r.trustedPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// contextMatches checks a rule's day and time-of-day constraints.
// Malformed configuration fails open with a warning, or raises under
// strict validation.
func (r *Resolver) contextMatches(ctx *manifest.RuleContext) (bool, error) {
	if ctx == nil {
		return true, nil
	}

	loc := time.Local
	if ctx.Timezone != "" {
		parsed, err := time.LoadLocation(ctx.Timezone)
		if err != nil {
			if r.strict {
				return false, fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, ctx.Timezone, err)
			}
			r.logger.Warn("ignoring malformed rule timezone", "timezone", ctx.Timezone, "error", err)
			return true, nil
		}
		loc = parsed
	}
	now := r.now().In(loc)

	if len(ctx.AllowedDays) > 0 {
		day := strings.ToLower(now.Weekday().String())
		found := false
		for _, d := range ctx.AllowedDays {
			if strings.ToLower(d) == day {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if ctx.AllowedTime != "" {
		start, end, err := parseTimeRange(ctx.AllowedTime)
		if err != nil {
			if r.strict {
				return false, fmt.Errorf("%w: allowed_time %q: %v", ErrInvalidConfig, ctx.AllowedTime, err)
			}
			r.logger.Warn("ignoring malformed rule time range", "allowed_time", ctx.AllowedTime, "error", err)
			return true, nil
		}
		cur := now.Hour()*60 + now.Minute()
		if end <= start {
			// Crosses midnight.
			if cur < start && cur >= end {
				return false, nil
			}
		} else if cur < start || cur >= end {
			return false, nil
		}
	}

	return true, nil
}

func validateContext(ctx *manifest.RuleContext) error {
	if ctx == nil {
		return nil
	}
	if ctx.Timezone != "" {
		if _, err := time.LoadLocation(ctx.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %v", ctx.Timezone, err)
		}
	}
	if ctx.AllowedTime != "" {
		if _, _, err := parseTimeRange(ctx.AllowedTime); err != nil {
			return fmt.Errorf("allowed_time %q: %v", ctx.AllowedTime, err)
		}
	}
	return nil
}

// parseTimeRange parses "HH:MM-HH:MM" into minutes since midnight.
func parseTimeRange(s string) (start, end int, err error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("want HH:MM-HH:MM")
	}
	if start, err = parseHHMM(from); err != nil {
		return 0, 0, err
	}
	if end, err = parseHHMM(to); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseHHMM(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("time %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("time %q: bad hour", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("time %q: bad minute", s)
	}
	return hour*60 + minute, nil
}

func allDeclared(skills []string, declared map[string]struct{}) bool {
	for _, s := range skills {
		if _, ok := declared[s]; !ok {
			return false
		}
	}
	return true
}

func anyDeclared(skills []string, declared map[string]struct{}) bool {
	for _, s := range skills {
		if _, ok := declared[s]; ok {
			return true
		}
	}
	return false
}

func countDeclared(skills []string, declared map[string]struct{}) int {
	n := 0
	for _, s := range skills {
		if _, ok := declared[s]; ok {
			n++
		}
	}
	return n
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
