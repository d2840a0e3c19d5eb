// Package bucket assigns identities to experiment variants.
//
// Every function here is pure: the result depends only on the arguments, so
// an identity lands in the same bucket on every evaluation, in every process,
// without a server round trip. Storage and transport live elsewhere.
package bucket

import (
	"math"
	"time"
	"unicode/utf16"

	"github.com/yourorg/abtest/pkg/types"
)

// normalizer maps the magnitude of the 32-bit hash onto [0, 1).
const normalizer = math.MaxInt32

// Hash folds s into a signed 32-bit accumulator, one UTF-16 code unit at a
// time, using acc = acc*31 + c with two's-complement wraparound.
func Hash(s string) int32 {
	var acc int32
	for _, c := range utf16.Encode([]rune(s)) {
		acc = acc*31 + int32(c)
	}
	return acc
}

// BucketValue returns the position of identity within experimentID's
// traffic, a value in [0, 1).
func BucketValue(identity, experimentID string) float64 {
	return normalize(Hash(identity + experimentID))
}

// normalize divides |h| by 2^31-1. MaxInt32 and MinInt32 would reach 1 or
// beyond, so the magnitude is reduced modulo the normalizer first.
func normalize(h int32) float64 {
	mag := int64(h)
	if mag < 0 {
		mag = -mag
	}
	return float64(mag%normalizer) / normalizer
}

// IsEligible reports whether identity takes part in exp at now: now must be
// inside the experiment window and the bucket value below the traffic share.
func IsEligible(identity string, exp types.Experiment, now time.Time) bool {
	if !exp.Window.Contains(now) {
		return false
	}
	return BucketValue(identity, exp.ID) < exp.Traffic
}

// AssignVariant picks the variant for identity. Eligibility is not checked.
func AssignVariant(identity string, exp types.Experiment) (string, error) {
	n := len(exp.Variants)
	if n == 0 {
		return "", &ConfigError{ExperimentID: exp.ID, Field: "variants", Reason: "no variants declared"}
	}
	idx := int(math.Floor(BucketValue(identity, exp.ID) * float64(n)))
	if idx >= n {
		idx = n - 1
	}
	return exp.Variants[idx], nil
}

// Assign combines IsEligible and AssignVariant for one experiment. The
// boolean is false when identity is not part of the experiment.
func Assign(identity string, exp types.Experiment, now time.Time) (types.Assignment, bool, error) {
	if !IsEligible(identity, exp, now) {
		return types.Assignment{}, false, nil
	}
	variant, err := AssignVariant(identity, exp)
	if err != nil {
		return types.Assignment{}, false, err
	}
	return types.Assignment{ExperimentID: exp.ID, Variant: variant, Identity: identity}, true, nil
}

// ActiveAssignments maps every experiment identity is eligible for to its
// variant. Ineligible experiments are absent from the result.
func ActiveAssignments(identity string, exps []types.Experiment, now time.Time) (map[string]string, error) {
	out := make(map[string]string, len(exps))
	for _, exp := range exps {
		a, ok, err := Assign(identity, exp, now)
		if err != nil {
			return nil, err
		}
		if ok {
			out[a.ExperimentID] = a.Variant
		}
	}
	return out, nil
}
