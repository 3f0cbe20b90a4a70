package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/esglens/esglens/pkg/activity"
	"github.com/esglens/esglens/pkg/analysis"
	"github.com/esglens/esglens/pkg/auth"
	"github.com/esglens/esglens/pkg/observability"
	"github.com/esglens/esglens/pkg/store"
	"github.com/esglens/esglens/pkg/tiers"
)

const (
	// maxJSONBody bounds request bodies. Inline analysis text is
	// capped at 200k characters, which fits with room to spare.
	maxJSONBody = 1 << 20

	// analyzeTimeout is the overall request deadline; the fetch and
	// persistence steps carry their own tighter ones.
	analyzeTimeout = 60 * time.Second

	// recordTimeout bounds best-effort activity writes.
	recordTimeout = 500 * time.Millisecond
)

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, codeInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed JSON body")
		return false
	}
	return true
}

// principal returns the authenticated account or writes the 401. The
// auth middleware only lets unauthenticated requests through on public
// paths, so a miss here is a wiring bug, not a client error.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
	}
	return p, ok
}

// record appends an activity event, detached from the request's
// cancellation so a closed connection cannot lose the trail.
func (s *Server) record(ctx context.Context, ev activity.Event) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.recorder.Record(rctx, ev); err != nil {
		s.log.WarnContext(ctx, "activity record failed", "kind", ev.Kind, "error", err)
	}
}

type registerRequest struct {
	Email string `json:"email"`
}

type registerResponse struct {
	Token   string `json:"token"`
	Tier    string `json:"tier"`
	Credits int64  `json:"credits"`
}

// handleRegister creates the account for an email, or re-issues a
// token for an existing one. The account id is derived from the
// address, so registration is idempotent.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	email, ok := normalizeEmail(req.Email)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid email address")
		return
	}

	user := store.User{
		ID:      store.UserIDForEmail(email),
		Email:   email,
		Tier:    tiers.TierFree,
		Credits: s.freeCredits,
	}
	err := s.store.CreateUser(r.Context(), user)
	switch {
	case err == nil:
		s.record(r.Context(), activity.Event{
			UserID:  user.ID,
			Kind:    activity.KindRegister,
			Payload: map[string]any{"tier": string(user.Tier)},
		})
	case errors.Is(err, store.ErrDuplicateEmail):
		user, err = s.store.GetUserByEmail(r.Context(), email)
		if err != nil {
			s.writeInternal(w, r, err)
			return
		}
	default:
		s.writeInternal(w, r, err)
		return
	}

	token, _, err := s.issuer.Issue(user.ID, user.Tier)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		Token:   token,
		Tier:    string(user.Tier),
		Credits: user.Credits,
	})
}

// normalizeEmail lowercases and validates an address. Display-name
// forms and dotless domains are rejected.
func normalizeEmail(raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", false
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return "", false
	}
	_, domain, _ := strings.Cut(email, "@")
	if !strings.Contains(domain, ".") {
		return "", false
	}
	return email, true
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req analysis.Request
	if !s.decodeJSON(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), analyzeTimeout)
	defer cancel()
	ctx, done := s.track(ctx, "analyze")

	resp, err := s.analyzer.Analyze(ctx, p.ID, p.Tier, req)
	done(err)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	outcome := "miss"
	if resp.CacheHit {
		outcome = "hit"
	}
	observability.ObserveCacheOp("lookup", outcome)
	observability.ObserveAnalysis(string(p.Tier.ID), resp.Frameworks, len(resp.ExtractedMetrics))
	if resp.CreditsUsed > 0 {
		observability.ObserveDebit("settled")
	}
	writeJSON(w, http.StatusOK, resp)
}

type compareRequest struct {
	Companies []string `json:"companies"`
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req compareRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	report, err := s.queries.Compare(r.Context(), p.ID, p.Tier, req.Companies)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type benchmarkRequest struct {
	Companies  []string `json:"companies"`
	Frameworks []string `json:"frameworks"`
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req benchmarkRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	report, err := s.queries.Benchmark(r.Context(), p.ID, p.Tier, req.Companies, req.Frameworks)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleFrameworks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"catalog_version": s.catalog.Version(),
		"frameworks":      s.catalog.Summary(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.principal(w, r); !ok {
		return
	}
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest,
				"days must be a non-negative integer")
			return
		}
		days = d
	}
	hist, err := s.queries.History(r.Context(), r.PathValue("name"), days)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	gaps, err := s.queries.Gaps(r.Context(), p.ID, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gaps)
}

type exportRequest struct {
	Format string `json:"format"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req exportRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	ctx, done := s.track(r.Context(), "export")
	res, err := s.exporter.Export(ctx, p.ID, p.Tier, req.Format)
	done(err)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if res.CreditsUsed > 0 {
		observability.ObserveDebit("settled")
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	w.Header().Set("X-Export-Count", strconv.Itoa(res.Count))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

type usageResponse struct {
	CurrentUsage     int64   `json:"current_usage"`
	Limit            int64   `json:"limit"`
	Percentage       float64 `json:"percentage"`
	ResetAt          string  `json:"reset_at"`
	Tier             string  `json:"tier"`
	CreditsRemaining int64   `json:"credits_remaining"`
}

// handleUsage reports the analyze window: that is the quota users
// watch, and the one the dashboard renders.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	d, err := s.governor.Usage(r.Context(), p.ID, p.Tier, analysis.Endpoint)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	credits, err := s.store.GetUserCredits(r.Context(), p.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeInternal(w, r, err)
		return
	}

	var pct float64
	if d.Limit > 0 {
		pct = round1(float64(d.Used) / float64(d.Limit) * 100)
	}
	writeJSON(w, http.StatusOK, usageResponse{
		CurrentUsage:     d.Used,
		Limit:            d.Limit,
		Percentage:       pct,
		ResetAt:          store.FormatTimestamp(d.ResetAt),
		Tier:             string(p.Tier.ID),
		CreditsRemaining: credits,
	})
}

type subscribeRequest struct {
	Tier string `json:"tier"`
}

type subscribeResponse struct {
	CheckoutURL string `json:"checkout_url"`
	Tier        string `json:"tier"`
	Credits     int64  `json:"credits"`
}

// handleSubscribe switches the account's tier. With the URL-template
// provider there is no processor callback, so the change takes effect
// immediately and the returned URL is the operator's billing page.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req subscribeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	id := tiers.TierID(strings.ToLower(strings.TrimSpace(req.Tier)))
	tier := tiers.Get(id)
	if tier == nil || id == tiers.TierAnonymous {
		writeError(w, http.StatusBadRequest, codeInvalidRequest,
			"unknown tier: "+req.Tier)
		return
	}

	checkout, err := s.payments.CheckoutURL(r.Context(), p.ID, *tier)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if err := s.store.UpdateUserSubscription(r.Context(), p.ID, tier.ID, tier.MonthlyCredits, ""); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.record(r.Context(), activity.Event{
		UserID: p.ID,
		Kind:   activity.KindSubscribe,
		Payload: map[string]any{
			"from": string(p.Tier.ID),
			"to":   string(tier.ID),
		},
	})
	writeJSON(w, http.StatusOK, subscribeResponse{
		CheckoutURL: checkout,
		Tier:        string(tier.ID),
		Credits:     tier.MonthlyCredits,
	})
}

// track opens a tracing span when the provider is wired and a no-op
// otherwise.
func (s *Server) track(ctx context.Context, name string) (context.Context, func(error)) {
	if s.tracing == nil {
		return ctx, func(error) {}
	}
	return s.tracing.TrackOperation(ctx, name)
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
