// Package irt implements the three-parameter logistic response model, ability
// estimation and maximum-information item selection.
package irt

import (
	"math"

	"github.com/ashureev/cat-engine/internal/domain"
)

// Ability scale bounds. Items are not calibrated outside this range.
const (
	MinTheta = -4.0
	MaxTheta = 4.0
)

// probability floor/ceiling keeps log-likelihood terms finite.
const probEpsilon = 1e-10

// Probability returns P(θ) = c + (1 − c) / (1 + exp(−a·(θ − b))) for the item.
func Probability(it domain.Item, theta float64) float64 {
	a, b, c := it.Discrimination, it.Difficulty, it.Guessing
	return c + (1.0-c)*sigmoid(a*(theta-b))
}

// Information returns the Fisher information of the item at θ:
// I(θ) = a² · (P − c)² · (1 − P) / ((1 − c)² · P).
func Information(it domain.Item, theta float64) float64 {
	a, c := it.Discrimination, it.Guessing
	p := clampRange(Probability(it, theta), probEpsilon, 1-probEpsilon)
	num := a * a * (p - c) * (p - c) * (1.0 - p)
	den := (1.0 - c) * (1.0 - c) * p
	if den <= 0 {
		return 0
	}
	info := num / den
	if math.IsNaN(info) || info < 0 {
		return 0
	}
	return info
}

// score is the first derivative of the log-likelihood of one response with respect to θ.
func score(it domain.Item, theta float64, correct bool) float64 {
	a, c := it.Discrimination, it.Guessing
	p := clampRange(Probability(it, theta), probEpsilon, 1-probEpsilon)
	u := 0.0
	if correct {
		u = 1.0
	}
	return a * (u - p) * (p - c) / (p * (1.0 - c))
}

// logLikelihood of one response at θ.
func logLikelihood(it domain.Item, theta float64, correct bool) float64 {
	p := clampRange(Probability(it, theta), probEpsilon, 1-probEpsilon)
	if correct {
		return math.Log(p)
	}
	return math.Log(1.0 - p)
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		z := math.Exp(-x)
		return 1.0 / (1.0 + z)
	}
	z := math.Exp(x)
	return z / (1.0 + z)
}

func clampRange(x float64, lo float64, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// ClampTheta bounds θ to the calibrated ability scale.
func ClampTheta(theta float64) float64 {
	return clampRange(theta, MinTheta, MaxTheta)
}
