package domain

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a diagnostic session.
type Status string

const (
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTerminated || s == StatusAbandoned
}

// Termination reasons recorded on a finished session.
const (
	ReasonMaxQuestions     = "max_questions"
	ReasonPrecisionReached = "precision_reached"
	ReasonTimeLimit        = "time_limit"
	ReasonItemsExhausted   = "items_exhausted"
	ReasonManualExit       = "manual_exit"
	ReasonStale            = "stale"
)

// Population prior for a fresh session.
const (
	PriorTheta = 0.0
	PriorSE    = 1.0
)

// DomainConstraint bounds how many items of one domain a session may administer.
// A zero Max means no upper bound.
type DomainConstraint struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// TestConfig carries the recognized per-session options.
type TestConfig struct {
	MinQuestions      int                         `json:"min_questions"`
	MaxQuestions      int                         `json:"max_questions"`
	SEStopThreshold   float64                     `json:"se_stop_threshold"`
	TimeLimitMinutes  *int                        `json:"time_limit_minutes,omitempty"`
	DomainConstraints map[string]DomainConstraint `json:"domain_constraints,omitempty"`
}

// TimeLimit returns the configured time limit, or zero when none is set.
func (c TestConfig) TimeLimit() time.Duration {
	if c.TimeLimitMinutes == nil || *c.TimeLimitMinutes <= 0 {
		return 0
	}
	return time.Duration(*c.TimeLimitMinutes) * time.Minute
}

// Validate checks the configuration for internal consistency.
func (c TestConfig) Validate() error {
	if c.MaxQuestions <= 0 {
		return fmt.Errorf("%w: max_questions must be > 0", ErrInvalidConfig)
	}
	if c.MinQuestions < 0 || c.MinQuestions > c.MaxQuestions {
		return fmt.Errorf("%w: min_questions must be within [0, max_questions]", ErrInvalidConfig)
	}
	if !isFinite(c.SEStopThreshold) || c.SEStopThreshold < 0 {
		return fmt.Errorf("%w: se_stop_threshold must be >= 0", ErrInvalidConfig)
	}
	if c.TimeLimitMinutes != nil && *c.TimeLimitMinutes < 0 {
		return fmt.Errorf("%w: time_limit_minutes must be >= 0", ErrInvalidConfig)
	}
	for name, dc := range c.DomainConstraints {
		if dc.Min < 0 || dc.Max < 0 || (dc.Max > 0 && dc.Min > dc.Max) {
			return fmt.Errorf("%w: domain %q constraint min=%d max=%d", ErrInvalidConfig, name, dc.Min, dc.Max)
		}
	}
	return nil
}

// ResponseRecord is one answered item. Records are append-only and kept in administration order.
type ResponseRecord struct {
	ItemID        string    `json:"item_id"`
	IsCorrect     bool      `json:"is_correct"`
	AbilityBefore float64   `json:"ability_before"`
	AbilityAfter  float64   `json:"ability_after"`
	SEAfter       float64   `json:"se_after"`
	RespondedAt   time.Time `json:"responded_at"`
}

// Session holds the state of one adaptive test. It is mutable while active and frozen afterwards.
type Session struct {
	ID                  string           `json:"id"`
	UserID              string           `json:"user_id"`
	Status              Status           `json:"status"`
	TerminationReason   string           `json:"termination_reason,omitempty"`
	Config              TestConfig       `json:"config"`
	CurrentAbility      float64          `json:"current_ability"`
	AbilitySE           float64          `json:"ability_se"`
	QuestionsAnswered   int              `json:"questions_answered"`
	CorrectAnswers      int              `json:"correct_answers"`
	AdministeredItemIDs []string         `json:"administered_item_ids"`
	Responses           []ResponseRecord `json:"responses"`
	StartedAt           time.Time        `json:"started_at"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
}

// PendingItemID returns the most recently administered item that has not been answered yet.
func (s *Session) PendingItemID() (string, bool) {
	if len(s.AdministeredItemIDs) > len(s.Responses) {
		return s.AdministeredItemIDs[len(s.AdministeredItemIDs)-1], true
	}
	return "", false
}

// LastActivityAt returns the time of the latest response, or the start time if none.
func (s *Session) LastActivityAt() time.Time {
	if n := len(s.Responses); n > 0 {
		return s.Responses[n-1].RespondedAt
	}
	return s.StartedAt
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.AdministeredItemIDs = append([]string(nil), s.AdministeredItemIDs...)
	c.Responses = append([]ResponseRecord(nil), s.Responses...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.Config.TimeLimitMinutes != nil {
		m := *s.Config.TimeLimitMinutes
		c.Config.TimeLimitMinutes = &m
	}
	if s.Config.DomainConstraints != nil {
		c.Config.DomainConstraints = make(map[string]DomainConstraint, len(s.Config.DomainConstraints))
		for k, v := range s.Config.DomainConstraints {
			c.Config.DomainConstraints[k] = v
		}
	}
	return &c
}
