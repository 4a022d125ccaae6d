// Package session implements the diagnostic session state machine:
// active → {completed, terminated, abandoned}.
//
// The controller operates on plain *domain.Session values and never touches
// persistence. Every operation validates its preconditions before mutating the
// session, so a rejected call leaves the session exactly as it was. Callers are
// responsible for serializing operations on the same session.
package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/cat-engine/internal/domain"
	"github.com/ashureev/cat-engine/internal/irt"
	"github.com/google/uuid"
)

// ItemSource provides read-only access to calibrated items.
type ItemSource interface {
	Items(domains ...string) []domain.Item
	Item(id string) (domain.Item, bool)
}

// Controller drives sessions through their lifecycle.
type Controller struct {
	items     ItemSource
	estimator *irt.Estimator
	logger    *slog.Logger
	now       func() time.Time
}

// NewController creates a controller over the given item source.
func NewController(items ItemSource, estimator *irt.Estimator, logger *slog.Logger) *Controller {
	if estimator == nil {
		estimator = irt.NewEstimator(irt.MethodMAP)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		items:     items,
		estimator: estimator,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the controller's time source.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Estimator returns the ability estimator used for updates.
func (c *Controller) Estimator() *irt.Estimator { return c.estimator }

// Start creates an active session at the population prior.
func (c *Controller) Start(userID string, cfg domain.TestConfig) (*domain.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &domain.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         domain.StatusActive,
		Config:         cfg,
		CurrentAbility: domain.PriorTheta,
		AbilitySE:      domain.PriorSE,
		StartedAt:      c.now().UTC(),
	}
	c.logger.Info("Diagnostic session started",
		"session_id", s.ID,
		"user_id", userID,
		"min_questions", cfg.MinQuestions,
		"max_questions", cfg.MaxQuestions)
	return s, nil
}

// AdministerNext returns the item to present next.
//
// While an administered item is still unanswered the same item is returned
// again. When the item pool is exhausted or the time limit has passed the
// session is completed and an error wrapping domain.ErrSessionComplete is
// returned (also wrapping domain.ErrNoEligibleItems for an exhausted pool).
func (c *Controller) AdministerNext(s *domain.Session) (domain.Item, error) {
	if s.Status.Terminal() {
		return domain.Item{}, &domain.StateError{SessionID: s.ID, Status: s.Status, Op: "administer next item"}
	}

	if pending, ok := s.PendingItemID(); ok {
		it, found := c.items.Item(pending)
		if !found {
			return domain.Item{}, fmt.Errorf("%w: %s", domain.ErrUnknownItem, pending)
		}
		return it, nil
	}

	now := c.now().UTC()
	if c.timeExpired(s, now) {
		c.finish(s, domain.StatusCompleted, domain.ReasonTimeLimit, now)
		return domain.Item{}, domain.ErrSessionComplete
	}

	it, err := irt.SelectNext(c.items.Items(), s.CurrentAbility, s.AdministeredItemIDs, s.Config.DomainConstraints)
	if err != nil {
		c.finish(s, domain.StatusCompleted, domain.ReasonItemsExhausted, now)
		return domain.Item{}, fmt.Errorf("%w: %w", domain.ErrSessionComplete, err)
	}

	s.AdministeredItemIDs = append(s.AdministeredItemIDs, it.ID)
	c.logger.Debug("Item administered",
		"session_id", s.ID,
		"item_id", it.ID,
		"domain", it.Domain,
		"theta", s.CurrentAbility,
		"information", irt.Information(it, s.CurrentAbility))
	return it, nil
}

// RecordResponse appends the answer to the pending item, re-estimates ability
// over the full history and runs the termination check.
func (c *Controller) RecordResponse(s *domain.Session, itemID string, correct bool) (domain.ResponseRecord, error) {
	if s.Status.Terminal() {
		return domain.ResponseRecord{}, &domain.StateError{SessionID: s.ID, Status: s.Status, Op: "record response"}
	}
	pending, ok := s.PendingItemID()
	if !ok || pending != itemID {
		return domain.ResponseRecord{}, &domain.ResponseOrderError{Expected: pending, Got: itemID}
	}

	history, err := c.history(s.Responses)
	if err != nil {
		return domain.ResponseRecord{}, err
	}
	it, found := c.items.Item(itemID)
	if !found {
		return domain.ResponseRecord{}, fmt.Errorf("%w: %s", domain.ErrUnknownItem, itemID)
	}
	history = append(history, irt.Response{Item: it, Correct: correct})

	est, err := c.estimator.Estimate(history, s.CurrentAbility)
	if err != nil {
		return domain.ResponseRecord{}, fmt.Errorf("estimate ability: %w", err)
	}

	now := c.now().UTC()
	rec := domain.ResponseRecord{
		ItemID:        itemID,
		IsCorrect:     correct,
		AbilityBefore: s.CurrentAbility,
		AbilityAfter:  est.Theta,
		SEAfter:       est.SE,
		RespondedAt:   now,
	}

	s.Responses = append(s.Responses, rec)
	s.CurrentAbility = est.Theta
	s.AbilitySE = est.SE
	s.QuestionsAnswered++
	if correct {
		s.CorrectAnswers++
	}

	c.logger.Debug("Response recorded",
		"session_id", s.ID,
		"item_id", itemID,
		"correct", correct,
		"theta", est.Theta,
		"se", est.SE,
		"iterations", est.Iterations,
		"degenerate", est.Degenerate)

	if reason := c.terminationReason(s, now); reason != "" {
		c.finish(s, domain.StatusCompleted, reason, now)
	}
	return rec, nil
}

// TerminateManually ends an active session early and tags it with reason.
func (c *Controller) TerminateManually(s *domain.Session, reason string) error {
	if s.Status.Terminal() {
		return &domain.StateError{SessionID: s.ID, Status: s.Status, Op: "terminate"}
	}
	if reason == "" {
		reason = domain.ReasonManualExit
	}
	c.finish(s, domain.StatusTerminated, reason, c.now().UTC())
	return nil
}

// MarkAbandoned moves an active session that has been idle longer than
// staleAfter to abandoned. It reports whether the transition happened.
func (c *Controller) MarkAbandoned(s *domain.Session, staleAfter time.Duration) (bool, error) {
	if s.Status.Terminal() {
		return false, &domain.StateError{SessionID: s.ID, Status: s.Status, Op: "mark abandoned"}
	}
	now := c.now().UTC()
	if now.Sub(s.LastActivityAt()) <= staleAfter {
		return false, nil
	}
	c.finish(s, domain.StatusAbandoned, domain.ReasonStale, now)
	return true, nil
}

// terminationReason returns the first stopping rule that fires, in precedence order.
func (c *Controller) terminationReason(s *domain.Session, now time.Time) string {
	cfg := s.Config
	switch {
	case s.QuestionsAnswered >= cfg.MaxQuestions:
		return domain.ReasonMaxQuestions
	case s.QuestionsAnswered >= cfg.MinQuestions && s.AbilitySE <= cfg.SEStopThreshold:
		return domain.ReasonPrecisionReached
	case c.timeExpired(s, now):
		return domain.ReasonTimeLimit
	default:
		return ""
	}
}

func (c *Controller) timeExpired(s *domain.Session, now time.Time) bool {
	limit := s.Config.TimeLimit()
	return limit > 0 && now.Sub(s.StartedAt) > limit
}

func (c *Controller) history(records []domain.ResponseRecord) ([]irt.Response, error) {
	out := make([]irt.Response, 0, len(records)+1)
	for _, r := range records {
		it, ok := c.items.Item(r.ItemID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownItem, r.ItemID)
		}
		out = append(out, irt.Response{Item: it, Correct: r.IsCorrect})
	}
	return out, nil
}

func (c *Controller) finish(s *domain.Session, status domain.Status, reason string, at time.Time) {
	s.Status = status
	s.TerminationReason = reason
	s.CompletedAt = &at
	c.logger.Info("Diagnostic session finished",
		"session_id", s.ID,
		"status", string(status),
		"reason", reason,
		"questions_answered", s.QuestionsAnswered,
		"theta", s.CurrentAbility,
		"se", s.AbilitySE)
}
