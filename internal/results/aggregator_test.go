package results

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/ashureev/cat-engine/internal/domain"
	"github.com/ashureev/cat-engine/internal/irt"
)

type mapSource map[string]domain.Item

func (m mapSource) Item(id string) (domain.Item, bool) {
	it, ok := m[id]
	return it, ok
}

var testItems = mapSource{
	"ana-1": {ID: "ana-1", Domain: "anatomy", Discrimination: 1.2, Difficulty: -0.5, Guessing: 0.2, CalibrationSampleSize: 80},
	"ana-2": {ID: "ana-2", Domain: "anatomy", Discrimination: 1.0, Difficulty: 0.4, Guessing: 0.2, CalibrationSampleSize: 80},
	"pha-1": {ID: "pha-1", Domain: "pharmacology", Discrimination: 1.4, Difficulty: 0.0, Guessing: 0.2, CalibrationSampleSize: 0},
	"pha-2": {ID: "pha-2", Domain: "pharmacology", Discrimination: 0.9, Difficulty: 1.0, Guessing: 0.2, CalibrationSampleSize: 60},
}

func finishedSession(responses ...domain.ResponseRecord) *domain.Session {
	started := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	completed := started.Add(20 * time.Minute)
	s := &domain.Session{
		ID:                "sess-1",
		UserID:            "user-1",
		Status:            domain.StatusCompleted,
		TerminationReason: domain.ReasonMaxQuestions,
		Config:            domain.TestConfig{MinQuestions: 1, MaxQuestions: 10, SEStopThreshold: 0.3},
		CurrentAbility:    domain.PriorTheta,
		AbilitySE:         domain.PriorSE,
		StartedAt:         started,
		CompletedAt:       &completed,
	}
	for _, r := range responses {
		s.AdministeredItemIDs = append(s.AdministeredItemIDs, r.ItemID)
		s.Responses = append(s.Responses, r)
		s.QuestionsAnswered++
		if r.IsCorrect {
			s.CorrectAnswers++
		}
		s.CurrentAbility = r.AbilityAfter
		s.AbilitySE = r.SEAfter
	}
	return s
}

func TestGenerateResultsRejectsActiveSession(t *testing.T) {
	t.Parallel()

	s := finishedSession()
	s.Status = domain.StatusActive
	agg := NewAggregator(nil, []string{"anatomy"}, 0)

	if _, err := agg.GenerateResults(s, testItems); !errors.Is(err, domain.ErrSessionNotFinished) {
		t.Fatalf("expected ErrSessionNotFinished, got %v", err)
	}
}

func TestGenerateResultsEmptySession(t *testing.T) {
	t.Parallel()

	s := finishedSession()
	s.Status = domain.StatusTerminated
	s.TerminationReason = domain.ReasonManualExit
	agg := NewAggregator(nil, []string{"anatomy", "pharmacology"}, 0)

	r, err := agg.GenerateResults(s, testItems)
	if err != nil {
		t.Fatalf("GenerateResults failed: %v", err)
	}
	if r.Accuracy != 0 || math.IsNaN(r.Accuracy) {
		t.Errorf("expected accuracy 0, got %v", r.Accuracy)
	}
	if len(r.Domains) != 0 {
		t.Errorf("expected empty domain profile, got %+v", r.Domains)
	}
	if len(r.WeakDomains) != 0 || len(r.StrongDomains) != 0 {
		t.Errorf("expected no classification, got weak=%v strong=%v", r.WeakDomains, r.StrongDomains)
	}
	if r.Readiness != 50 {
		t.Errorf("expected readiness 50 at target, got %v", r.Readiness)
	}
}

func TestGenerateResultsDomainProfile(t *testing.T) {
	t.Parallel()

	s := finishedSession(
		domain.ResponseRecord{ItemID: "ana-1", IsCorrect: true, AbilityBefore: 0, AbilityAfter: 0.4, SEAfter: 0.9},
		domain.ResponseRecord{ItemID: "ana-2", IsCorrect: true, AbilityBefore: 0.4, AbilityAfter: 0.8, SEAfter: 0.8},
		domain.ResponseRecord{ItemID: "pha-1", IsCorrect: false, AbilityBefore: 0.8, AbilityAfter: 0.5, SEAfter: 0.7},
	)
	agg := NewAggregator(irt.NewEstimator(irt.MethodMAP), []string{"anatomy", "pathology", "pharmacology"}, 0)

	r, err := agg.GenerateResults(s, testItems)
	if err != nil {
		t.Fatalf("GenerateResults failed: %v", err)
	}

	if len(r.Domains) != 3 {
		t.Fatalf("expected 3 domains, got %+v", r.Domains)
	}
	names := []string{r.Domains[0].Domain, r.Domains[1].Domain, r.Domains[2].Domain}
	if !reflect.DeepEqual(names, []string{"anatomy", "pathology", "pharmacology"}) {
		t.Errorf("expected sorted domains, got %v", names)
	}

	ana, pat, pha := r.Domains[0], r.Domains[1], r.Domains[2]
	if !ana.HasData || ana.Count != 2 || ana.Correct != 2 || ana.Accuracy != 1 || ana.Ability <= 0 {
		t.Errorf("unexpected anatomy profile %+v", ana)
	}
	if pat.HasData || pat.Count != 0 {
		t.Errorf("expected pathology without data, got %+v", pat)
	}
	if !pha.HasData || pha.Count != 1 || pha.Accuracy != 0 || pha.Ability >= 0 {
		t.Errorf("unexpected pharmacology profile %+v", pha)
	}

	for _, list := range [][]string{r.WeakDomains, r.StrongDomains} {
		for _, d := range list {
			if d == "pathology" {
				t.Errorf("domain without data was classified: weak=%v strong=%v", r.WeakDomains, r.StrongDomains)
			}
		}
	}
	if !reflect.DeepEqual(r.WeakDomains, []string{"pharmacology"}) {
		t.Errorf("expected pharmacology to be weak, got %v", r.WeakDomains)
	}
	if !reflect.DeepEqual(r.StrongDomains, []string{"anatomy"}) {
		t.Errorf("expected anatomy to be strong, got %v (ability %v)", r.StrongDomains, ana.Ability)
	}

	if math.Abs(r.Accuracy-2.0/3.0) > 1e-12 {
		t.Errorf("expected accuracy 2/3, got %v", r.Accuracy)
	}
	if r.LowReliabilityItems != 1 {
		t.Errorf("expected 1 low-reliability item, got %d", r.LowReliabilityItems)
	}
	if len(r.Trajectory) != 3 || r.Trajectory[2].Theta != 0.5 || r.Trajectory[0].Step != 1 {
		t.Errorf("unexpected trajectory %+v", r.Trajectory)
	}
}

func TestGenerateResultsIsIdempotent(t *testing.T) {
	t.Parallel()

	s := finishedSession(
		domain.ResponseRecord{ItemID: "ana-1", IsCorrect: true, AbilityAfter: 0.4, SEAfter: 0.9},
		domain.ResponseRecord{ItemID: "pha-2", IsCorrect: false, AbilityBefore: 0.4, AbilityAfter: 0.1, SEAfter: 0.8},
	)
	before := s.Clone()
	agg := NewAggregator(nil, []string{"anatomy", "pharmacology"}, 0.2)

	first, err := agg.GenerateResults(s, testItems)
	if err != nil {
		t.Fatalf("GenerateResults failed: %v", err)
	}
	second, err := agg.GenerateResults(s, testItems)
	if err != nil {
		t.Fatalf("GenerateResults failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("reports differ:\n%+v\n%+v", first, second)
	}
	if !reflect.DeepEqual(before, s) {
		t.Error("GenerateResults mutated the session")
	}
}

func TestGenerateResultsUnknownItem(t *testing.T) {
	t.Parallel()

	s := finishedSession(domain.ResponseRecord{ItemID: "missing", IsCorrect: true, AbilityAfter: 0.3, SEAfter: 0.9})
	agg := NewAggregator(nil, nil, 0)
	if _, err := agg.GenerateResults(s, testItems); !errors.Is(err, domain.ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestReadinessIsMonotoneAndBounded(t *testing.T) {
	t.Parallel()

	for _, target := range []float64{-1, 0, 0.5, 2} {
		prev := -1.0
		for theta := -4.0; theta <= 4.0; theta += 0.05 {
			got := Readiness(theta, target)
			if got < 0 || got > 100 {
				t.Fatalf("readiness %v out of bounds at theta=%v target=%v", got, theta, target)
			}
			if got < prev {
				t.Fatalf("readiness decreased at theta=%v target=%v: %v < %v", theta, target, got, prev)
			}
			prev = got
		}
	}
	if got := Readiness(0.4, 0); got != 60 {
		t.Errorf("expected 60, got %v", got)
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	if got := Percentile(0); math.Abs(got-50) > 1e-9 {
		t.Errorf("expected 50 at theta 0, got %v", got)
	}
	if got := Percentile(1); math.Abs(got-84.134) > 0.01 {
		t.Errorf("expected ~84.13 at theta 1, got %v", got)
	}
}

func TestWritePDF(t *testing.T) {
	t.Parallel()

	s := finishedSession(domain.ResponseRecord{ItemID: "ana-1", IsCorrect: true, AbilityAfter: 0.4, SEAfter: 0.9})
	r, err := NewAggregator(nil, []string{"anatomy", "pharmacology"}, 0).GenerateResults(s, testItems)
	if err != nil {
		t.Fatalf("GenerateResults failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WritePDF(&buf, r); err != nil {
		t.Fatalf("WritePDF failed: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")) {
		t.Errorf("output is not a PDF: %q", buf.Bytes()[:min(buf.Len(), 16)])
	}
}
