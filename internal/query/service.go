// Package query answers "which published rules apply to this subject as of
// this date". Reads go through a generation-keyed cache; correctness never
// depends on the cache, which degrades to direct store reads on any error.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"regpipe/internal/dsl"
	"regpipe/internal/platform/metrics"
	"regpipe/internal/rule"
	"regpipe/pkg/domain"
	"regpipe/pkg/domainerrors"
	"regpipe/pkg/platform/sentinel"
)

// Match is one applicable rule in a query answer.
type Match struct {
	RuleID         domain.RuleID
	ConceptSlug    string
	Value          string
	ValueType      domain.ValueType
	AuthorityLevel domain.AuthorityLevel
	RiskTier       domain.RiskTier
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
}

// Answer is the result of one lookup.
type Answer struct {
	Slug    string
	AsOf    time.Time
	Matches []Match
	// FromCache reports whether the published set came from the cache.
	FromCache bool
}

// Service serves read queries over published rules.
type Service struct {
	rules   rule.RuleStore
	aliases rule.AliasStore
	cache   Cache
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the Service.
type Option func(*Service)

// WithCache enables the read cache.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics enables cache hit/miss instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New wires a query service. The cache is optional.
func New(rules rule.RuleStore, aliases rule.AliasStore, opts ...Option) (*Service, error) {
	if rules == nil || aliases == nil {
		return nil, fmt.Errorf("rule and alias stores are required")
	}
	s := &Service{
		rules:   rules,
		aliases: aliases,
		ttl:     5 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lookup returns the published rules for slug whose effective window contains
// asOf and whose predicate holds for evalCtx. A nil evalCtx matches only
// unconditional rules plus predicates that hold on an empty context.
func (s *Service) Lookup(ctx context.Context, slug string, asOf time.Time, evalCtx dsl.Context) (*Answer, error) {
	if slug == "" {
		return nil, domainerrors.New(domainerrors.CodeBadRequest, "concept slug is required")
	}
	canonical, err := s.aliases.ResolveAlias(ctx, slug)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, fmt.Errorf("resolve alias %q: %w", slug, err)
		}
		canonical = slug
	}

	published, fromCache, err := s.publishedAsOf(ctx, canonical, asOf)
	if err != nil {
		return nil, err
	}

	answer := &Answer{Slug: canonical, AsOf: asOf, FromCache: fromCache}
	for _, m := range published {
		if s.applies(m, evalCtx) {
			answer.Matches = append(answer.Matches, m.Match)
		}
	}
	return answer, nil
}

// InvalidateSlugs bumps the cache generation for each slug. Called from the
// release path after publication.
func (s *Service) InvalidateSlugs(ctx context.Context, slugs []string) {
	if s.cache == nil {
		return
	}
	for _, slug := range slugs {
		if err := s.cache.Invalidate(ctx, slug); err != nil {
			s.logger.Warn("cache invalidation failed", "slug", slug, "error", err)
		}
	}
}

// cachedMatch is the wire form of a cached published rule. Kept separate from
// the domain type so cache payloads stay stable under model changes.
type cachedMatch struct {
	Match
	AppliesWhen json.RawMessage `json:"appliesWhen,omitempty"`
}

func (s *Service) publishedAsOf(ctx context.Context, slug string, asOf time.Time) ([]cachedMatch, bool, error) {
	day := asOf.UTC().Format("2006-01-02")
	var key string
	if s.cache != nil {
		gen, err := s.cache.Generation(ctx, slug)
		if err != nil {
			s.logger.Warn("cache generation read failed", "slug", slug, "error", err)
		} else {
			key = entryKey(slug, gen, day)
			if raw, ok, err := s.cache.Get(ctx, key); err != nil {
				s.logger.Warn("cache read failed", "slug", slug, "error", err)
			} else if ok {
				var cached []cachedMatch
				if err := json.Unmarshal(raw, &cached); err == nil {
					s.cacheHit()
					return cached, true, nil
				}
				s.logger.Warn("cache entry undecodable, falling through", "slug", slug)
			}
		}
	}
	s.cacheMiss()

	rules, err := s.rules.ListPublishedAsOf(ctx, slug, asOf)
	if err != nil {
		return nil, false, fmt.Errorf("list published rules: %w", err)
	}
	out := make([]cachedMatch, 0, len(rules))
	for _, r := range rules {
		out = append(out, cachedMatch{
			Match: Match{
				RuleID:         r.ID,
				ConceptSlug:    r.ConceptSlug,
				Value:          r.Value,
				ValueType:      r.ValueType,
				AuthorityLevel: r.AuthorityLevel,
				RiskTier:       r.RiskTier,
				EffectiveFrom:  r.EffectiveFrom,
				EffectiveUntil: r.EffectiveUntil,
			},
			AppliesWhen: json.RawMessage(r.AppliesWhen),
		})
	}
	if s.cache != nil && key != "" {
		if raw, err := json.Marshal(out); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
				s.logger.Warn("cache write failed", "slug", slug, "error", err)
			}
		}
	}
	return out, false, nil
}

// applies evaluates the rule's predicate. Predicates were validated at
// composition time; one that no longer parses is excluded rather than
// broadened to always-true.
func (s *Service) applies(m cachedMatch, evalCtx dsl.Context) bool {
	if len(m.AppliesWhen) == 0 {
		return true
	}
	p, err := dsl.Parse(m.AppliesWhen)
	if err != nil {
		s.logger.Error("stored predicate no longer parses, excluding rule",
			"rule", m.RuleID.String(), "error", err)
		return false
	}
	return p.Evaluate(evalCtx)
}

func (s *Service) cacheHit() {
	if s.metrics != nil {
		s.metrics.CacheHits.Inc()
	}
}

func (s *Service) cacheMiss() {
	if s.metrics != nil {
		s.metrics.CacheMisses.Inc()
	}
}
