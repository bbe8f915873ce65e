package ml

import (
	"math"
	"math/rand"
	"time"
)

// monthlyTimes returns n first-of-month timestamps starting January 2020
func monthlyTimes(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, i, 0)
	}
	return out
}

func dailyTimes(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = time.Date(2022, time.March, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	}
	return out
}

// arSeries simulates an AR(1) process around mean mu
func arSeries(n int, mu, phi, sigma float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	prev := mu
	for i := range out {
		prev = mu + phi*(prev-mu) + rng.NormFloat64()*sigma
		out[i] = prev
	}
	return out
}

// randomWalk accumulates Gaussian steps with a drift
func randomWalk(n int, drift, sigma float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	level := 100.0
	for i := range out {
		level += drift + rng.NormFloat64()*sigma
		out[i] = level
	}
	return out
}

// trendSeries is a linear trend with a 12-period sine and small noise
func trendSeries(n int, level, slope, amplitude float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = level + slope*float64(i) + amplitude*math.Sin(2*math.Pi*float64(i)/12) + rng.NormFloat64()
	}
	return out
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
