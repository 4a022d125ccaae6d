// Package service exposes the diagnostic operations to transports. It loads
// and saves sessions around each controller call, serializes mutations per
// session and caches finished reports.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/cat-engine/internal/cache"
	"github.com/ashureev/cat-engine/internal/domain"
	"github.com/ashureev/cat-engine/internal/irt"
	"github.com/ashureev/cat-engine/internal/itembank"
	"github.com/ashureev/cat-engine/internal/results"
	"github.com/ashureev/cat-engine/internal/session"
	"github.com/ashureev/cat-engine/internal/store"
)

const tracerName = "github.com/ashureev/cat-engine/internal/service"

// Deps are the collaborators of a Service.
type Deps struct {
	Sessions   store.SessionRepository
	Bank       *itembank.Bank
	Controller *session.Controller
	Aggregator *results.Aggregator
	Cache      cache.ReportCache
	Defaults   domain.TestConfig
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Service runs diagnostic operations against persisted sessions.
type Service struct {
	sessions   store.SessionRepository
	bank       *itembank.Bank
	ctrl       *session.Controller
	agg        *results.Aggregator
	cache      cache.ReportCache
	defaults   domain.TestConfig
	staleAfter time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer

	locks   *sessionLocks
	reports singleflight.Group
	now     func() time.Time
}

// New creates a Service. Missing optional dependencies get defaults.
func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctrl := d.Controller
	if ctrl == nil {
		ctrl = session.NewController(d.Bank, nil, logger)
	}
	agg := d.Aggregator
	if agg == nil {
		agg = results.NewAggregator(ctrl.Estimator(), d.Bank.Domains(), 0)
	}
	rc := d.Cache
	if rc == nil {
		rc = cache.NewMemory(0)
	}
	staleAfter := d.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &Service{
		sessions:   d.Sessions,
		bank:       d.Bank,
		ctrl:       ctrl,
		agg:        agg,
		cache:      rc,
		defaults:   d.Defaults,
		staleAfter: staleAfter,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		locks:      newSessionLocks(),
		now:        time.Now,
	}
}

// ConfigOverrides are per-session changes to the default test configuration.
type ConfigOverrides struct {
	MinQuestions      *int                               `json:"min_questions,omitempty"`
	MaxQuestions      *int                               `json:"max_questions,omitempty"`
	SEStopThreshold   *float64                           `json:"se_stop_threshold,omitempty"`
	TimeLimitMinutes  *int                               `json:"time_limit_minutes,omitempty"`
	DomainConstraints map[string]domain.DomainConstraint `json:"domain_constraints,omitempty"`
}

// Apply returns base with the overrides applied.
func (o ConfigOverrides) Apply(base domain.TestConfig) domain.TestConfig {
	cfg := base
	if o.MinQuestions != nil {
		cfg.MinQuestions = *o.MinQuestions
	}
	if o.MaxQuestions != nil {
		cfg.MaxQuestions = *o.MaxQuestions
	}
	if o.SEStopThreshold != nil {
		cfg.SEStopThreshold = *o.SEStopThreshold
	}
	if o.TimeLimitMinutes != nil {
		m := *o.TimeLimitMinutes
		cfg.TimeLimitMinutes = &m
	}
	if o.DomainConstraints != nil {
		cfg.DomainConstraints = make(map[string]domain.DomainConstraint, len(o.DomainConstraints))
		for k, v := range o.DomainConstraints {
			cfg.DomainConstraints[k] = v
		}
	}
	return cfg
}

// NextResult is the outcome of asking for the next item. Item is nil when the
// session finished instead.
type NextResult struct {
	Session  *domain.Session
	Item     *domain.Item
	Complete bool
}

// StartSession creates and persists a new session for userID.
func (s *Service) StartSession(ctx context.Context, userID string, overrides ConfigOverrides) (_ *domain.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "service.StartSession", trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() { endSpan(span, err) }()

	sess, err := s.ctrl.Start(userID, overrides.Apply(s.defaults))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns the session if it belongs to userID.
func (s *Service) GetSession(ctx context.Context, userID, sessionID string) (_ *domain.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "service.GetSession", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err) }()

	return s.loadOwned(ctx, userID, sessionID)
}

// ListSessions returns the caller's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string, limit int) (_ []*domain.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "service.ListSessions", trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() { endSpan(span, err) }()

	return s.sessions.ListSessionsByUser(ctx, userID, limit)
}

// NextItem administers the next item, or reports that the session is complete.
func (s *Service) NextItem(ctx context.Context, userID, sessionID string) (_ NextResult, err error) {
	ctx, span := s.tracer.Start(ctx, "service.NextItem", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err) }()

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.loadOwned(ctx, userID, sessionID)
	if err != nil {
		return NextResult{}, err
	}

	pending := len(sess.AdministeredItemIDs)
	it, err := s.ctrl.AdministerNext(sess)
	if errors.Is(err, domain.ErrSessionComplete) {
		if err := s.save(ctx, sess); err != nil {
			return NextResult{}, err
		}
		span.SetAttributes(attribute.String("session.termination_reason", sess.TerminationReason))
		return NextResult{Session: sess, Complete: true}, nil
	}
	if err != nil {
		return NextResult{}, err
	}

	if len(sess.AdministeredItemIDs) != pending {
		if err := s.save(ctx, sess); err != nil {
			return NextResult{}, err
		}
	}
	span.SetAttributes(attribute.String("item.id", it.ID))
	return NextResult{Session: sess, Item: &it}, nil
}

// SubmitResponse records the answer to the pending item.
func (s *Service) SubmitResponse(ctx context.Context, userID, sessionID, itemID string, correct bool) (_ domain.ResponseRecord, _ *domain.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "service.SubmitResponse", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("item.id", itemID),
		attribute.Bool("response.correct", correct),
	))
	defer func() { endSpan(span, err) }()

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.loadOwned(ctx, userID, sessionID)
	if err != nil {
		return domain.ResponseRecord{}, nil, err
	}
	rec, err := s.ctrl.RecordResponse(sess, itemID, correct)
	if err != nil {
		return domain.ResponseRecord{}, nil, err
	}
	if err := s.save(ctx, sess); err != nil {
		return domain.ResponseRecord{}, nil, err
	}
	span.SetAttributes(attribute.Float64("ability.theta", rec.AbilityAfter), attribute.Float64("ability.se", rec.SEAfter))
	return rec, sess, nil
}

// Terminate ends an active session early.
func (s *Service) Terminate(ctx context.Context, userID, sessionID, reason string) (_ *domain.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "service.Terminate", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err) }()

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.loadOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.ctrl.TerminateManually(sess, reason); err != nil {
		return nil, err
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Results returns the report for a finished session, generating it at most
// once concurrently and caching it afterwards.
func (s *Service) Results(ctx context.Context, userID, sessionID string) (_ results.Report, err error) {
	ctx, span := s.tracer.Start(ctx, "service.Results", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err) }()

	sess, err := s.loadOwned(ctx, userID, sessionID)
	if err != nil {
		return results.Report{}, err
	}
	if !sess.Status.Terminal() {
		return results.Report{}, fmt.Errorf("%w: session %s is %s", domain.ErrSessionNotFinished, sess.ID, sess.Status)
	}

	if r, ok, err := s.cache.Get(ctx, sessionID); err != nil {
		s.logger.Warn("Report cache read failed", "session_id", sessionID, "error", err)
	} else if ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return r, nil
	}

	v, err, shared := s.reports.Do(sessionID, func() (any, error) {
		r, err := s.agg.GenerateResults(sess, s.bank)
		if err != nil {
			return results.Report{}, err
		}
		if err := s.cache.Set(ctx, sessionID, r); err != nil {
			s.logger.Warn("Report cache write failed", "session_id", sessionID, "error", err)
		}
		return r, nil
	})
	if err != nil {
		return results.Report{}, err
	}
	span.SetAttributes(attribute.Bool("cache.hit", false), attribute.Bool("singleflight.shared", shared))
	return v.(results.Report), nil
}

// Items returns calibrated items, optionally filtered by domain.
func (s *Service) Items(domains ...string) []domain.Item {
	return s.bank.Items(domains...)
}

// RankedItems returns items ordered by descending information at theta.
func (s *Service) RankedItems(theta float64, domains ...string) []domain.Item {
	return irt.Rank(s.bank.Items(domains...), theta, nil)
}

// Defaults returns the configuration applied to sessions started without overrides.
func (s *Service) Defaults() domain.TestConfig {
	return s.defaults
}

// ItemCount returns the size of the item bank.
func (s *Service) ItemCount() int {
	return s.bank.Len()
}

// Domains returns the item bank taxonomy.
func (s *Service) Domains() []string {
	return s.bank.Domains()
}

// StaleSessionIDs returns active sessions idle longer than the staleness window.
func (s *Service) StaleSessionIDs(ctx context.Context) ([]string, error) {
	return s.sessions.ListStaleSessions(ctx, s.now().Add(-s.staleAfter))
}

// AbandonIfStale moves the session to abandoned if it is still active and idle.
// It reports whether the session was abandoned.
func (s *Service) AbandonIfStale(ctx context.Context, sessionID string) (_ bool, err error) {
	ctx, span := s.tracer.Start(ctx, "service.AbandonIfStale", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err) }()

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	moved, err := s.ctrl.MarkAbandoned(sess, s.staleAfter)
	if errors.Is(err, domain.ErrInvalidSessionState) {
		// Finished between listing and locking.
		return false, nil
	}
	if err != nil || !moved {
		return false, err
	}
	if err := s.save(ctx, sess); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) loadOwned(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	sess, err := s.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if userID != "" && sess.UserID != userID {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return sess, nil
}

func (s *Service) save(ctx context.Context, sess *domain.Session) error {
	if err := s.sessions.SaveSession(ctx, sess); err != nil {
		s.logger.Error("Failed to save session", "session_id", sess.ID, "error", err)
		return fmt.Errorf("save session: %w", err)
	}
	if err := s.cache.Invalidate(ctx, sess.ID); err != nil {
		s.logger.Warn("Report cache invalidation failed", "session_id", sess.ID, "error", err)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
