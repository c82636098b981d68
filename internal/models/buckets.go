package models

import "fmt"

// Lead-time buckets for bias tables and market calibration.
const (
	LeadNear     = "near"      // 0-6h
	LeadSameDay  = "same-day"  // 7-24h
	LeadNextDay  = "next-day"  // 25-48h
	LeadMultiDay = "multi-day" // 49h+
)

// LeadBucket maps hours-to-resolution onto its bucket.
func LeadBucket(hours float64) string {
	switch {
	case hours <= 6:
		return LeadNear
	case hours <= 24:
		return LeadSameDay
	case hours <= 48:
		return LeadNextDay
	default:
		return LeadMultiDay
	}
}

// PriceBucketTop is the lower bound of the open-ended top price bucket.
const PriceBucketTop = 0.55

// PriceBucket maps an ask price onto a 5-cent calibration bucket:
// "0-5c" through "50-55c", then "55c+".
func PriceBucket(ask float64) string {
	if ask >= PriceBucketTop {
		return "55c+"
	}
	if ask < 0 {
		ask = 0
	}
	lo := int(ask*100) / 5 * 5
	return fmt.Sprintf("%d-%dc", lo, lo+5)
}

// PriceBucketMid returns the midpoint price of a bucket, used for
// true-edge computation. The open top bucket uses the midpoint of its
// observed span (55c-1.00).
func PriceBucketMid(bucket string) float64 {
	if bucket == "55c+" {
		return (PriceBucketTop + 1.0) / 2
	}
	var lo, hi int
	if _, err := fmt.Sscanf(bucket, "%d-%dc", &lo, &hi); err != nil {
		return 0
	}
	return (float64(lo) + float64(hi)) / 200
}

// ProbBucket maps a model probability onto a 5-percentage-point bucket
// up to 75%, then "75+".
func ProbBucket(p float64) string {
	if p >= 0.75 {
		return "75+"
	}
	if p < 0 {
		p = 0
	}
	lo := int(p*100) / 5 * 5
	return fmt.Sprintf("%d-%d", lo, lo+5)
}
