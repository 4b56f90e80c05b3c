package conflict

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"regpipe/internal/dsl"
	"regpipe/internal/rule"
	"regpipe/pkg/domain"
	audit "regpipe/pkg/platform/audit"
	txcontext "regpipe/pkg/platform/tx"
)

// RuleReader is the slice of the rule store the arbiter needs.
type RuleReader interface {
	GetRule(ctx context.Context, id domain.RuleID) (*rule.Rule, error)
	PointersForRule(ctx context.Context, ruleID domain.RuleID) ([]*rule.SourcePointer, error)
	MarkSuperseded(ctx context.Context, loser, winner domain.RuleID) error
}

// Arbiter consumes OPEN conflicts and resolves them by authority, time, or
// specificity — or escalates. It is the only component allowed to close a
// conflict.
type Arbiter struct {
	conflicts Store
	rules     RuleReader
	auditor   audit.Publisher
	db        *sql.DB
	logger    *slog.Logger

	// minResolutionConfidence gates automatic resolution; below it the
	// conflict escalates.
	minResolutionConfidence float64
	// minExtractionConfidence escalates when either rule's evidence is weak.
	minExtractionConfidence float64
	batchSize               int
}

// Option configures the Arbiter.
type Option func(*Arbiter)

// WithDB enables transactional resolution: the loser's deprecation, the
// overrides edge, and the conflict close commit atomically.
func WithDB(db *sql.DB) Option {
	return func(a *Arbiter) { a.db = db }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Arbiter) { a.logger = logger }
}

// WithBatchSize bounds conflicts handled per run.
func WithBatchSize(n int) Option {
	return func(a *Arbiter) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithThresholds overrides the confidence gates.
func WithThresholds(resolution, extraction float64) Option {
	return func(a *Arbiter) {
		a.minResolutionConfidence = resolution
		a.minExtractionConfidence = extraction
	}
}

// NewArbiter wires an arbiter.
func NewArbiter(conflicts Store, rules RuleReader, auditor audit.Publisher, opts ...Option) (*Arbiter, error) {
	if conflicts == nil {
		return nil, fmt.Errorf("conflict store is required")
	}
	if rules == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	a := &Arbiter{
		conflicts:               conflicts,
		rules:                   rules,
		auditor:                 auditor,
		logger:                  slog.Default(),
		minResolutionConfidence: 0.70,
		minExtractionConfidence: 0.60,
		batchSize:               25,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Report summarizes one arbiter run.
type Report struct {
	Examined  int
	Resolved  int
	Escalated int
	Failed    int
}

// Run drains one batch of OPEN conflicts.
func (a *Arbiter) Run(ctx context.Context) (*Report, error) {
	open, err := a.conflicts.ListOpen(ctx, a.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list open conflicts: %w", err)
	}
	report := &Report{Examined: len(open)}
	for _, c := range open {
		outcome, err := a.arbitrate(ctx, c)
		if err != nil {
			report.Failed++
			a.logger.Error("arbitration failed", "conflict", c.ID.String(), "error", err)
			continue
		}
		if outcome == StrategyEscalate {
			report.Escalated++
		} else {
			report.Resolved++
		}
	}
	return report, nil
}

func (a *Arbiter) arbitrate(ctx context.Context, c *Conflict) (ResolutionStrategy, error) {
	// Conflicts with a pointer-side participant (source conflicts and
	// composition halts) have no rule pair to rank; they always need a
	// human or upstream correction.
	if c.RuleA == nil || c.RuleB == nil {
		return StrategyEscalate, a.escalate(ctx, c, "pre-composition conflict requires human review")
	}

	ruleA, err := a.rules.GetRule(ctx, *c.RuleA)
	if err != nil {
		return "", fmt.Errorf("load rule A: %w", err)
	}
	ruleB, err := a.rules.GetRule(ctx, *c.RuleB)
	if err != nil {
		return "", fmt.Errorf("load rule B: %w", err)
	}

	confA, err := a.extractionConfidence(ctx, ruleA)
	if err != nil {
		return "", err
	}
	confB, err := a.extractionConfidence(ctx, ruleB)
	if err != nil {
		return "", err
	}

	verdict := Decide(ruleA, ruleB, confA, confB, a.minResolutionConfidence, a.minExtractionConfidence)
	if verdict.Strategy == StrategyEscalate {
		return StrategyEscalate, a.escalate(ctx, c, verdict.Reason)
	}
	return verdict.Strategy, a.resolve(ctx, c, verdict)
}

// Verdict is the outcome of Decide.
type Verdict struct {
	Strategy   ResolutionStrategy
	Winner     *rule.Rule
	Loser      *rule.Rule
	Confidence float64
	Reason     string
}

// Decide is the pure arbitration function. Escalation is mandatory when
// both rules are T0, when either side's extraction confidence is weak, when
// authority/time/specificity leave no discriminator, or when the strategy's
// own confidence falls below the resolution threshold. Ties escalate; the
// arbiter never guesses the stricter interpretation.
func Decide(a, b *rule.Rule, confA, confB, minResolution, minExtraction float64) Verdict {
	if a.RiskTier == domain.RiskT0 && b.RiskTier == domain.RiskT0 {
		return Verdict{Strategy: StrategyEscalate, Reason: "both rules are T0 critical"}
	}
	if confA < minExtraction || confB < minExtraction {
		return Verdict{Strategy: StrategyEscalate,
			Reason: fmt.Sprintf("extraction confidence below %.2f", minExtraction)}
	}

	var v Verdict
	switch {
	case a.AuthorityLevel.Rank() != b.AuthorityLevel.Rank():
		v = Verdict{Strategy: StrategyHierarchy, Confidence: 0.95,
			Reason: "higher authority level prevails"}
		if a.AuthorityLevel.Rank() > b.AuthorityLevel.Rank() {
			v.Winner, v.Loser = a, b
		} else {
			v.Winner, v.Loser = b, a
		}

	case !a.EffectiveFrom.Equal(b.EffectiveFrom):
		// Lex posterior among equals: the later enactment prevails.
		v = Verdict{Strategy: StrategyTemporal, Confidence: 0.85,
			Reason: "later effective date prevails among equal authority"}
		if a.EffectiveFrom.After(b.EffectiveFrom) {
			v.Winner, v.Loser = a, b
		} else {
			v.Winner, v.Loser = b, a
		}

	default:
		specA, specB := specificity(a), specificity(b)
		if specA == specB {
			return Verdict{Strategy: StrategyEscalate,
				Reason: "equal authority and date with no specificity discriminator"}
		}
		// Lex specialis: the narrower predicate prevails.
		v = Verdict{Strategy: StrategySpecificity, Confidence: 0.75,
			Reason: "more specific applicability prevails among equal authority and date"}
		if specA > specB {
			v.Winner, v.Loser = a, b
		} else {
			v.Winner, v.Loser = b, a
		}
	}

	if v.Confidence < minResolution {
		return Verdict{Strategy: StrategyEscalate,
			Reason: fmt.Sprintf("resolution confidence %.2f below threshold", v.Confidence)}
	}
	return v
}

func specificity(r *rule.Rule) int {
	if len(r.AppliesWhen) == 0 {
		return 0
	}
	p, err := dsl.Parse(r.AppliesWhen)
	if err != nil {
		return 0
	}
	return p.Specificity()
}

// extractionConfidence is the weakest linked pointer: one poorly-verified
// source taints the whole rule for arbitration purposes.
func (a *Arbiter) extractionConfidence(ctx context.Context, r *rule.Rule) (float64, error) {
	pointers, err := a.rules.PointersForRule(ctx, r.ID)
	if err != nil {
		return 0, fmt.Errorf("pointers for rule %s: %w", r.ID, err)
	}
	if len(pointers) == 0 {
		return 0, nil
	}
	lowest := pointers[0].Confidence
	for _, p := range pointers[1:] {
		if p.Confidence < lowest {
			lowest = p.Confidence
		}
	}
	return lowest, nil
}

func (a *Arbiter) resolve(ctx context.Context, c *Conflict, v Verdict) error {
	apply := func(ctx context.Context) error {
		edges, err := a.conflicts.ListEdges(ctx)
		if err != nil {
			return fmt.Errorf("list edges: %w", err)
		}
		// A winner already reachable from the loser would close a
		// supersession cycle; that resolution is unsound, escalate.
		if Reachable(edges, v.Loser.ID, v.Winner.ID) {
			return a.escalate(ctx, c, "resolution would create a supersession cycle")
		}
		if err := a.rules.MarkSuperseded(ctx, v.Loser.ID, v.Winner.ID); err != nil {
			return fmt.Errorf("deprecate loser: %w", err)
		}
		if err := a.conflicts.InsertEdge(ctx, Edge{
			Winner:    v.Winner.ID,
			Loser:     v.Loser.ID,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
		if err := a.conflicts.Resolve(ctx, c.ID, v.Strategy, "arbiter", v.Reason); err != nil {
			return fmt.Errorf("close conflict: %w", err)
		}
		return a.auditor.Emit(ctx, audit.Event{
			Action:   string(audit.EventConflictResolved),
			Subject:  c.ID.String(),
			Actor:    "arbiter",
			Decision: string(v.Strategy),
			Reason:   fmt.Sprintf("%s; winner %s, loser %s", v.Reason, v.Winner.ID, v.Loser.ID),
		})
	}

	if a.db == nil {
		return apply(ctx)
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolution: %w", err)
	}
	defer tx.Rollback()
	if err := apply(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *Arbiter) escalate(ctx context.Context, c *Conflict, reason string) error {
	if err := a.conflicts.Escalate(ctx, c.ID, reason); err != nil {
		return fmt.Errorf("escalate conflict: %w", err)
	}
	return a.auditor.Emit(ctx, audit.Event{
		Action:   string(audit.EventConflictEscalated),
		Subject:  c.ID.String(),
		Actor:    "arbiter",
		Decision: string(StrategyEscalate),
		Reason:   reason,
	})
}
