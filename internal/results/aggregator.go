// Package results turns a finished diagnostic session into a readiness report.
package results

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ashureev/cat-engine/internal/domain"
	"github.com/ashureev/cat-engine/internal/irt"
)

// Default classification thresholds on the domain-scoped ability scale.
const (
	DefaultWeakThreshold   = 0.0
	DefaultStrongThreshold = 0.5
)

// ItemSource resolves item ids recorded in a session.
type ItemSource interface {
	Item(id string) (domain.Item, bool)
}

// DomainProfile is the ability summary restricted to one domain's responses.
type DomainProfile struct {
	Domain   string  `json:"domain"`
	HasData  bool    `json:"has_data"`
	Ability  float64 `json:"ability"`
	SE       float64 `json:"se"`
	Count    int     `json:"count"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// TrajectoryPoint is the estimate after one response.
type TrajectoryPoint struct {
	Step    int     `json:"step"`
	ItemID  string  `json:"item_id"`
	Correct bool    `json:"correct"`
	Theta   float64 `json:"theta"`
	SE      float64 `json:"se"`
}

// Report is the finished-session summary.
type Report struct {
	SessionID           string            `json:"session_id"`
	UserID              string            `json:"user_id"`
	Status              domain.Status     `json:"status"`
	TerminationReason   string            `json:"termination_reason,omitempty"`
	QuestionsAnswered   int               `json:"questions_answered"`
	CorrectAnswers      int               `json:"correct_answers"`
	Accuracy            float64           `json:"accuracy"`
	Ability             float64           `json:"ability"`
	AbilitySE           float64           `json:"ability_se"`
	TargetTheta         float64           `json:"target_theta"`
	Readiness           float64           `json:"readiness"`
	Percentile          float64           `json:"percentile"`
	Domains             []DomainProfile   `json:"domains"`
	WeakDomains         []string          `json:"weak_domains"`
	StrongDomains       []string          `json:"strong_domains"`
	Trajectory          []TrajectoryPoint `json:"trajectory"`
	LowReliabilityItems int               `json:"low_reliability_items"`
	StartedAt           time.Time         `json:"started_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}

// Aggregator builds reports. Its zero value is not usable; use NewAggregator.
type Aggregator struct {
	// Domains is the taxonomy every non-empty report covers, in addition to
	// constrained and answered domains.
	Domains         []string
	Estimator       *irt.Estimator
	TargetTheta     float64
	WeakThreshold   float64
	StrongThreshold float64
}

// NewAggregator returns an aggregator with the default thresholds.
func NewAggregator(estimator *irt.Estimator, domains []string, targetTheta float64) *Aggregator {
	if estimator == nil {
		estimator = irt.NewEstimator(irt.MethodMAP)
	}
	return &Aggregator{
		Domains:         append([]string(nil), domains...),
		Estimator:       estimator,
		TargetTheta:     targetTheta,
		WeakThreshold:   DefaultWeakThreshold,
		StrongThreshold: DefaultStrongThreshold,
	}
}

// GenerateResults builds the report for a finished session. It does not
// mutate s and returns identical reports for identical inputs.
func (a *Aggregator) GenerateResults(s *domain.Session, items ItemSource) (Report, error) {
	if !s.Status.Terminal() {
		return Report{}, fmt.Errorf("%w: session %s is %s", domain.ErrSessionNotFinished, s.ID, s.Status)
	}

	r := Report{
		SessionID:         s.ID,
		UserID:            s.UserID,
		Status:            s.Status,
		TerminationReason: s.TerminationReason,
		QuestionsAnswered: s.QuestionsAnswered,
		CorrectAnswers:    s.CorrectAnswers,
		Ability:           s.CurrentAbility,
		AbilitySE:         s.AbilitySE,
		TargetTheta:       a.TargetTheta,
		Readiness:         Readiness(s.CurrentAbility, a.TargetTheta),
		Percentile:        Percentile(s.CurrentAbility),
		Domains:           []DomainProfile{},
		WeakDomains:       []string{},
		StrongDomains:     []string{},
		Trajectory:        make([]TrajectoryPoint, 0, len(s.Responses)),
		StartedAt:         s.StartedAt,
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		r.CompletedAt = &t
	}
	if s.QuestionsAnswered > 0 {
		r.Accuracy = float64(s.CorrectAnswers) / float64(s.QuestionsAnswered)
	}
	if len(s.Responses) == 0 {
		return r, nil
	}

	byDomain := make(map[string][]irt.Response)
	for i, rec := range s.Responses {
		it, ok := items.Item(rec.ItemID)
		if !ok {
			return Report{}, fmt.Errorf("%w: %s", domain.ErrUnknownItem, rec.ItemID)
		}
		if it.LowReliability() {
			r.LowReliabilityItems++
		}
		byDomain[it.Domain] = append(byDomain[it.Domain], irt.Response{Item: it, Correct: rec.IsCorrect})
		r.Trajectory = append(r.Trajectory, TrajectoryPoint{
			Step:    i + 1,
			ItemID:  rec.ItemID,
			Correct: rec.IsCorrect,
			Theta:   rec.AbilityAfter,
			SE:      rec.SEAfter,
		})
	}

	for _, name := range a.taxonomy(s, byDomain) {
		p := DomainProfile{Domain: name}
		history := byDomain[name]
		if len(history) > 0 {
			est, err := a.Estimator.Estimate(history, domain.PriorTheta)
			if err != nil {
				return Report{}, fmt.Errorf("estimate domain %q: %w", name, err)
			}
			p.HasData = true
			p.Ability = est.Theta
			p.SE = est.SE
			p.Count = len(history)
			for _, h := range history {
				if h.Correct {
					p.Correct++
				}
			}
			p.Accuracy = float64(p.Correct) / float64(p.Count)

			switch {
			case p.Ability < a.WeakThreshold:
				r.WeakDomains = append(r.WeakDomains, name)
			case p.Ability >= a.StrongThreshold:
				r.StrongDomains = append(r.StrongDomains, name)
			}
		}
		r.Domains = append(r.Domains, p)
	}
	return r, nil
}

// taxonomy returns the sorted union of configured, constrained and answered domains.
func (a *Aggregator) taxonomy(s *domain.Session, answered map[string][]irt.Response) []string {
	set := make(map[string]struct{}, len(a.Domains)+len(answered))
	for _, d := range a.Domains {
		set[d] = struct{}{}
	}
	for d := range s.Config.DomainConstraints {
		set[d] = struct{}{}
	}
	for d := range answered {
		set[d] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Readiness maps ability to a 0–100 pass-likelihood indicator relative to target.
func Readiness(theta, target float64) float64 {
	v := 50 + 25*(theta-target)
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// Percentile returns the share of a standard normal population below theta, in percent.
func Percentile(theta float64) float64 {
	return 50 * (1 + math.Erf(theta/math.Sqrt2))
}
