// Package httptransport is the pipeline's HTTP surface: evidence ingestion,
// rule queries, human review decisions, and operational listings. Handlers
// translate between JSON and domain types; decisions live in the services.
package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"regpipe/internal/conflict"
	"regpipe/internal/deadletter"
	"regpipe/internal/dsl"
	"regpipe/internal/evidence"
	"regpipe/internal/query"
	"regpipe/internal/releaser"
	"regpipe/internal/reviewer"
	"regpipe/pkg/domain"
	"regpipe/pkg/domainerrors"
)

// Handler carries the service dependencies of the HTTP layer.
type Handler struct {
	query     *query.Service
	reviewer  *reviewer.Reviewer
	evidence  evidence.Store
	conflicts conflict.Store
	letters   deadletter.Store
	releases  releaser.Store
	logger    *slog.Logger
	listLimit int
}

// NewHandler wires the HTTP layer.
func NewHandler(
	querySvc *query.Service,
	rev *reviewer.Reviewer,
	ev evidence.Store,
	conflicts conflict.Store,
	letters deadletter.Store,
	releases releaser.Store,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		query:     querySvc,
		reviewer:  rev,
		evidence:  ev,
		conflicts: conflicts,
		letters:   letters,
		releases:  releases,
		logger:    logger,
		listLimit: 100,
	}
}

type ingestRequest struct {
	Text         string `json:"text"`
	RawContent   []byte `json:"rawContent,omitempty"`
	ContentClass string `json:"contentClass"`
	SourceURL    string `json:"sourceUrl"`
}

type ingestResponse struct {
	ID          string `json:"id"`
	ContentHash string `json:"contentHash"`
}

func (h *Handler) handleIngestEvidence(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Text == "" {
		writeError(w, domainerrors.New(domainerrors.CodeBadRequest, "text is required"))
		return
	}
	class, err := evidence.ParseContentClass(req.ContentClass)
	if err != nil {
		writeError(w, domainerrors.Wrap(err, domainerrors.CodeBadRequest, "invalid content class"))
		return
	}
	raw := req.RawContent
	if len(raw) == 0 {
		raw = []byte(req.Text)
	}
	ev := &evidence.Evidence{
		ID:           domain.NewEvidenceID(),
		ContentHash:  evidence.HashContent(raw),
		RawContent:   raw,
		ContentClass: class,
		Text:         req.Text,
		SourceURL:    req.SourceURL,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.evidence.Put(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ingestResponse{ID: ev.ID.String(), ContentHash: ev.ContentHash})
}

type queryRequest struct {
	Slug string `json:"slug"`
	// AsOf is a YYYY-MM-DD date; empty means today.
	AsOf    string         `json:"asOf,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

type matchResponse struct {
	RuleID         string  `json:"ruleId"`
	ConceptSlug    string  `json:"conceptSlug"`
	Value          string  `json:"value"`
	ValueType      string  `json:"valueType"`
	AuthorityLevel string  `json:"authorityLevel"`
	RiskTier       string  `json:"riskTier"`
	EffectiveFrom  string  `json:"effectiveFrom"`
	EffectiveUntil *string `json:"effectiveUntil,omitempty"`
}

type queryResponse struct {
	Slug      string          `json:"slug"`
	AsOf      string          `json:"asOf"`
	Matches   []matchResponse `json:"matches"`
	FromCache bool            `json:"fromCache"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	asOf := time.Now().UTC()
	if req.AsOf != "" {
		parsed, err := time.Parse("2006-01-02", req.AsOf)
		if err != nil {
			writeError(w, domainerrors.New(domainerrors.CodeBadRequest, "asOf must be YYYY-MM-DD"))
			return
		}
		asOf = parsed
	}
	answer, err := h.query.Lookup(r.Context(), req.Slug, asOf, dsl.Context(req.Context))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := queryResponse{
		Slug:      answer.Slug,
		AsOf:      answer.AsOf.UTC().Format("2006-01-02"),
		Matches:   make([]matchResponse, 0, len(answer.Matches)),
		FromCache: answer.FromCache,
	}
	for _, m := range answer.Matches {
		out := matchResponse{
			RuleID:         m.RuleID.String(),
			ConceptSlug:    m.ConceptSlug,
			Value:          m.Value,
			ValueType:      string(m.ValueType),
			AuthorityLevel: string(m.AuthorityLevel),
			RiskTier:       string(m.RiskTier),
			EffectiveFrom:  m.EffectiveFrom.UTC().Format("2006-01-02"),
		}
		if m.EffectiveUntil != nil {
			until := m.EffectiveUntil.UTC().Format("2006-01-02")
			out.EffectiveUntil = &until
		}
		resp.Matches = append(resp.Matches, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

type predicateCheckRequest struct {
	Predicate json.RawMessage `json:"predicate"`
	Context   map[string]any  `json:"context,omitempty"`
}

type predicateCheckResponse struct {
	Valid   bool   `json:"valid"`
	Matches bool   `json:"matches"`
	Error   string `json:"error,omitempty"`
}

// handlePredicateCheck validates a predicate and, when valid, evaluates it.
// Invalid predicates are a 200 with valid=false: the caller is asking a
// question, not submitting one.
func (h *Handler) handlePredicateCheck(w http.ResponseWriter, r *http.Request) {
	var req predicateCheckRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Predicate) == 0 {
		writeError(w, domainerrors.New(domainerrors.CodeBadRequest, "predicate is required"))
		return
	}
	p, err := dsl.Parse(req.Predicate)
	if err != nil {
		writeJSON(w, http.StatusOK, predicateCheckResponse{Valid: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, predicateCheckResponse{Valid: true, Matches: p.Evaluate(dsl.Context(req.Context))})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseRuleID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, domainerrors.Wrap(err, domainerrors.CodeBadRequest, "invalid rule id"))
		return
	}
	approver := ReviewerIdentity(r.Context())
	if err := h.reviewer.Approve(r.Context(), id, approver); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved", "approvedBy": approver})
}

type rejectRequest struct {
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseRuleID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, domainerrors.Wrap(err, domainerrors.CodeBadRequest, "invalid rule id"))
		return
	}
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rejection := reviewer.Rejection{
		Severity:       reviewer.Severity(req.Severity),
		Description:    req.Description,
		Recommendation: req.Recommendation,
	}
	if err := h.reviewer.Reject(r.Context(), id, ReviewerIdentity(r.Context()), rejection); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

type overrideGraceRequest struct {
	Justification string `json:"justification"`
}

func (h *Handler) handleOverrideGrace(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseRuleID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, domainerrors.Wrap(err, domainerrors.CodeBadRequest, "invalid rule id"))
		return
	}
	var req overrideGraceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.reviewer.OverrideGrace(r.Context(), id, ReviewerIdentity(r.Context()), req.Justification); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

type conflictResponse struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	Slug       string  `json:"slug"`
	RuleA      *string `json:"ruleA,omitempty"`
	RuleB      *string `json:"ruleB,omitempty"`
	PointerA   *string `json:"pointerA,omitempty"`
	PointerB   *string `json:"pointerB,omitempty"`
	Detail     string  `json:"detail"`
	Strategy   string  `json:"strategy,omitempty"`
	ResolvedBy string  `json:"resolvedBy,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

func (h *Handler) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	status := domain.ConflictStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.ConflictEscalated
	}
	switch status {
	case domain.ConflictOpen, domain.ConflictResolved, domain.ConflictEscalated:
	default:
		writeError(w, domainerrors.New(domainerrors.CodeBadRequest, "unknown conflict status"))
		return
	}
	conflicts, err := h.conflicts.ListByStatus(r.Context(), status, h.listLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]conflictResponse, 0, len(conflicts))
	for _, c := range conflicts {
		resp := conflictResponse{
			ID:         c.ID.String(),
			Type:       string(c.Type),
			Status:     string(c.Status),
			Slug:       c.Slug,
			Detail:     c.Detail,
			Strategy:   string(c.ResolutionStrategy),
			ResolvedBy: c.ResolvedBy,
			CreatedAt:  c.CreatedAt.UTC().Format(time.RFC3339),
		}
		if c.RuleA != nil {
			s := c.RuleA.String()
			resp.RuleA = &s
		}
		if c.RuleB != nil {
			s := c.RuleB.String()
			resp.RuleB = &s
		}
		if c.PointerA != nil {
			s := c.PointerA.String()
			resp.PointerA = &s
		}
		if c.PointerB != nil {
			s := c.PointerB.String()
			resp.PointerB = &s
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": out})
}

type deadLetterResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	SubjectID string `json:"subjectId"`
	Stage     string `json:"stage"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail"`
	Attempts  int    `json:"attempts,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func (h *Handler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.letters.List(r.Context(), h.listLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]deadLetterResponse, 0, len(items))
	for _, item := range items {
		out = append(out, deadLetterResponse{
			ID:        item.ID.String(),
			Kind:      string(item.Kind),
			SubjectID: item.SubjectID.String(),
			Stage:     item.Stage,
			Reason:    string(item.Reason),
			Detail:    item.Detail,
			Attempts:  item.Attempts,
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": out})
}

type releaseResponse struct {
	ID            string   `json:"id"`
	Version       string   `json:"version"`
	ContentHash   string   `json:"contentHash"`
	ReleasedAt    string   `json:"releasedAt"`
	EffectiveFrom string   `json:"effectiveFrom"`
	RuleIDs       []string `json:"ruleIds"`
	AuditTrail    struct {
		DistinctEvidence int     `json:"distinctEvidence"`
		Pointers         int     `json:"pointers"`
		HumanApprovals   int     `json:"humanApprovals"`
		AutoApprovals    int     `json:"autoApprovals"`
		MeanConfidence   float64 `json:"meanConfidence"`
		MedianConfidence float64 `json:"medianConfidence"`
	} `json:"auditTrail"`
}

func toReleaseResponse(rel *releaser.Release) releaseResponse {
	resp := releaseResponse{
		ID:            rel.ID.String(),
		Version:       rel.Version,
		ContentHash:   rel.ContentHash,
		ReleasedAt:    rel.ReleasedAt.UTC().Format(time.RFC3339),
		EffectiveFrom: rel.EffectiveFrom.UTC().Format("2006-01-02"),
		RuleIDs:       make([]string, 0, len(rel.RuleIDs)),
	}
	for _, id := range rel.RuleIDs {
		resp.RuleIDs = append(resp.RuleIDs, id.String())
	}
	resp.AuditTrail.DistinctEvidence = rel.AuditTrail.DistinctEvidence
	resp.AuditTrail.Pointers = rel.AuditTrail.Pointers
	resp.AuditTrail.HumanApprovals = rel.AuditTrail.HumanApprovals
	resp.AuditTrail.AutoApprovals = rel.AuditTrail.AutoApprovals
	resp.AuditTrail.MeanConfidence = rel.AuditTrail.MeanConfidence
	resp.AuditTrail.MedianConfidence = rel.AuditTrail.MedianConfidence
	return resp
}

func (h *Handler) handleListReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := h.releases.List(r.Context(), h.listLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]releaseResponse, 0, len(releases))
	for _, rel := range releases {
		out = append(out, toReleaseResponse(rel))
	}
	writeJSON(w, http.StatusOK, map[string]any{"releases": out})
}

func (h *Handler) handleLatestRelease(w http.ResponseWriter, r *http.Request) {
	rel, err := h.releases.Latest(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReleaseResponse(rel))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
