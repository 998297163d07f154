// Package roughness holds the accelerometer statistics behind event severity
// and the empirical IRI approximation used in daily segment rollups.
package roughness

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Category labels a road surface by estimated IRI.
type Category string

const (
	CategoryGood     Category = "good"
	CategoryFair     Category = "fair"
	CategoryPoor     Category = "poor"
	CategoryVeryPoor Category = "very_poor"
)

// IRIParams are the tunables of the IRI approximation. The constants are
// empirical and unvalidated against physical IRI measurement, which is why
// they are configuration rather than code.
type IRIParams struct {
	K                float64
	SpeedBaselineKmh float64
	GoodMax          float64
	FairMax          float64
	PoorMax          float64
}

// DefaultIRIParams returns the calibration in production use.
func DefaultIRIParams() IRIParams {
	return IRIParams{
		K:                15.0,
		SpeedBaselineKmh: 30.0,
		GoodMax:          2.5,
		FairMax:          4.0,
		PoorMax:          6.0,
	}
}

// StdDev returns the population standard deviation of xs rounded to two
// decimals, or 0 when fewer than two samples are present. Deviation from
// the mean cancels the ~1000 milli-g gravity bias on the vertical axis.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return round2(stat.PopStdDev(xs, nil))
}

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

// EstimateIRI derives an IRI approximation (m/km) from vertical-axis
// milli-g samples and the mean pass speed. Below 5 km/h the accelerometer
// signal is dominated by engine and loading vibration, so the estimate is
// pinned to zero.
func EstimateIRI(xs []float64, speedKmh float64, p IRIParams) (float64, Category) {
	if speedKmh < 5 {
		return 0, CategoryGood
	}

	r := StdDev(xs)
	speedFactor := p.SpeedBaselineKmh / speedKmh
	iri := r / 1000 * p.K * speedFactor
	iri = math.Min(math.Max(iri, 0), 20)
	iri = round2(iri)

	switch {
	case iri < p.GoodMax:
		return iri, CategoryGood
	case iri < p.FairMax:
		return iri, CategoryFair
	case iri < p.PoorMax:
		return iri, CategoryPoor
	default:
		return iri, CategoryVeryPoor
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
