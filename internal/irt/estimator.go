package irt

import (
	"fmt"
	"math"
	"strings"

	"github.com/ashureev/cat-engine/internal/domain"
)

// Method selects how ability is estimated from a response history.
type Method string

const (
	// MethodMAP maximizes the posterior under the population prior N(PriorTheta, PriorSE²).
	MethodMAP Method = "map"
	// MethodMLE maximizes the likelihood alone and falls back to the seed on degenerate patterns.
	MethodMLE Method = "mle"
)

const (
	defaultTolerance     = 1e-4
	defaultMaxIterations = 25
	maxStepHalvings      = 10
)

// ParseMethod converts a configuration string into a Method.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case MethodMAP, MethodMLE:
		return m, nil
	case "":
		return MethodMAP, nil
	default:
		return "", fmt.Errorf("unknown estimation method %q", s)
	}
}

// Response pairs an administered item with the correctness of the answer.
type Response struct {
	Item    domain.Item
	Correct bool
}

// Estimate is the result of one ability update.
type Estimate struct {
	Theta      float64
	SE         float64
	Iterations int
	Converged  bool
	// Degenerate is set when the likelihood had no interior maximum and the seed was kept.
	Degenerate bool
}

// Estimator computes (θ, se) from a full response history using Fisher scoring.
// The zero value is not usable; construct with NewEstimator.
type Estimator struct {
	Method        Method
	PriorMean     float64
	PriorSD       float64
	Tolerance     float64
	MaxIterations int
}

// NewEstimator returns an estimator seeded with the population prior.
func NewEstimator(method Method) *Estimator {
	if method == "" {
		method = MethodMAP
	}
	return &Estimator{
		Method:        method,
		PriorMean:     domain.PriorTheta,
		PriorSD:       domain.PriorSE,
		Tolerance:     defaultTolerance,
		MaxIterations: defaultMaxIterations,
	}
}

// Estimate returns the updated ability estimate for history, iterating from seed.
// Items are validated before any computation; the returned θ is always within
// [MinTheta, MaxTheta] and se is always finite and positive.
func (e *Estimator) Estimate(history []Response, seed float64) (Estimate, error) {
	if len(history) == 0 {
		return Estimate{}, domain.ErrEmptyHistory
	}
	for _, r := range history {
		if err := r.Item.Validate(); err != nil {
			return Estimate{}, err
		}
	}

	if math.IsNaN(seed) || math.IsInf(seed, 0) {
		seed = e.PriorMean
	}
	seed = ClampTheta(seed)

	if e.Method == MethodMLE && !mixedPattern(history) {
		return Estimate{Theta: seed, SE: e.standardError(history, seed), Degenerate: true}, nil
	}

	theta := seed
	est := Estimate{}
	for est.Iterations < e.maxIterations() {
		est.Iterations++

		grad, info := e.gradient(history, theta)
		if info <= 0 || math.IsNaN(grad) || math.IsNaN(info) {
			est.Degenerate = true
			break
		}

		step := grad / info
		current := e.objective(history, theta)
		next := ClampTheta(theta + step)
		for h := 0; h < maxStepHalvings && e.objective(history, next) < current; h++ {
			step /= 2
			next = ClampTheta(theta + step)
		}

		delta := math.Abs(next - theta)
		theta = next
		if delta < e.tolerance() {
			est.Converged = true
			break
		}
	}

	if math.IsNaN(theta) || math.IsInf(theta, 0) {
		theta = seed
		est.Degenerate = true
	}
	est.Theta = ClampTheta(theta)
	est.SE = e.standardError(history, est.Theta)
	return est, nil
}

// gradient returns the first derivative of the objective and the expected information at θ.
func (e *Estimator) gradient(history []Response, theta float64) (float64, float64) {
	var grad, info float64
	for _, r := range history {
		grad += score(r.Item, theta, r.Correct)
		info += Information(r.Item, theta)
	}
	if e.usesPrior() {
		variance := e.PriorSD * e.PriorSD
		grad -= (theta - e.PriorMean) / variance
		info += 1.0 / variance
	}
	return grad, info
}

func (e *Estimator) objective(history []Response, theta float64) float64 {
	var ll float64
	for _, r := range history {
		ll += logLikelihood(r.Item, theta, r.Correct)
	}
	if e.usesPrior() {
		d := theta - e.PriorMean
		ll -= d * d / (2 * e.PriorSD * e.PriorSD)
	}
	return ll
}

// standardError is 1/√(ΣI(θ)), with the prior's information added under MAP.
// A non-positive information sum yields the prior se.
func (e *Estimator) standardError(history []Response, theta float64) float64 {
	var info float64
	for _, r := range history {
		info += Information(r.Item, theta)
	}
	if e.usesPrior() {
		info += 1.0 / (e.PriorSD * e.PriorSD)
	}
	if info <= 0 || math.IsNaN(info) {
		return domain.PriorSE
	}
	se := 1.0 / math.Sqrt(info)
	if math.IsNaN(se) || math.IsInf(se, 0) || se <= 0 {
		return domain.PriorSE
	}
	return se
}

func (e *Estimator) usesPrior() bool {
	return e.Method != MethodMLE && e.PriorSD > 0
}

func (e *Estimator) tolerance() float64 {
	if e.Tolerance <= 0 {
		return defaultTolerance
	}
	return e.Tolerance
}

func (e *Estimator) maxIterations() int {
	if e.MaxIterations <= 0 {
		return defaultMaxIterations
	}
	return e.MaxIterations
}

// mixedPattern reports whether history has at least one correct and one incorrect response.
func mixedPattern(history []Response) bool {
	var right, wrong bool
	for _, r := range history {
		if r.Correct {
			right = true
		} else {
			wrong = true
		}
		if right && wrong {
			return true
		}
	}
	return false
}
