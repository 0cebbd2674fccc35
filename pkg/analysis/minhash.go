// Package analysis implements the behavioral engine (feature extraction,
// MinHash signatures, Jaccard clustering, outlier detection), the security
// assessor, and the analysis runner that schedules them.
package analysis

import (
	"github.com/cespare/xxhash/v2"
)

// SignatureWidth is the number of hash functions in a MinHash signature.
// Lower widths trade accuracy for space.
const SignatureWidth = 512

// hashParams holds the multiply-add mixing constants for the K hash
// functions, derived once from a splitmix64 stream so signatures are
// deterministic across processes.
var hashParams = buildHashParams()

type hashParam struct {
	a uint64
	b uint64
}

func buildHashParams() [SignatureWidth]hashParam {
	var params [SignatureWidth]hashParam
	state := uint64(0x9e3779b97f4a7c15)
	next := func() uint64 {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		return z ^ (z >> 31)
	}
	for i := range params {
		params[i] = hashParam{a: next() | 1, b: next()} // odd multiplier
	}
	return params
}

// MinHashSignature computes the K-wide signature of a shingle set: for each
// hash function, the minimum hash over all shingles. An empty set yields a
// signature of all-max values, which has zero similarity to every non-empty
// set's signature.
func MinHashSignature(shingles []string) []uint64 {
	signature := make([]uint64, SignatureWidth)
	for i := range signature {
		signature[i] = ^uint64(0)
	}
	for _, shingle := range shingles {
		base := xxhash.Sum64String(shingle)
		for i, p := range hashParams {
			h := base*p.a + p.b
			if h < signature[i] {
				signature[i] = h
			}
		}
	}
	return signature
}

// JaccardSimilarity estimates set similarity as the fraction of equal
// signature coordinates. Signatures must have the same width.
func JaccardSimilarity(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	equal := 0
	for i := range a {
		if a[i] == b[i] {
			equal++
		}
	}
	return float64(equal) / float64(len(a))
}

// JaccardDistance is 1 − similarity.
func JaccardDistance(a, b []uint64) float64 {
	return 1 - JaccardSimilarity(a, b)
}
