package matcher

import (
	"math"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

// Sub-score weights. They sum to 1.
const (
	WeightCategory = 0.4
	WeightDistance = 0.3
	WeightTiming   = 0.2
	WeightQuantity = 0.1
)

// neutral is the sub-score when either side lacks the data to compare.
const neutral = 0.5

// Score rates how well offer serves need, in [0, 1]. now anchors the
// timing sub-score; the result is a pure function of its arguments.
func Score(offer, need contracts.Listing, now time.Time) (float64, contracts.ScoreBreakdown) {
	b := contracts.ScoreBreakdown{
		Category: CategoryScore(offer, need),
		Distance: DistanceScore(offer.Location, need.Location),
		Timing:   TimingScore(offer, need, now),
		Quantity: QuantityScore(offer, need),
	}
	total := WeightCategory*b.Category +
		WeightDistance*b.Distance +
		WeightTiming*b.Timing +
		WeightQuantity*b.Quantity
	return math.Min(1, math.Max(0, total)), b
}

// CategoryScore compares slash separated categories, then keywords.
func CategoryScore(offer, need contracts.Listing) float64 {
	oc, nc := normalize(offer.Category), normalize(need.Category)
	switch {
	case oc != "" && oc == nc:
		return 1.0
	case oc != "" && topLevel(oc) == topLevel(nc):
		return 0.7
	case keywordsOverlap(offer.Keywords, need.Keywords):
		return 0.5
	default:
		return 0.0
	}
}

func topLevel(category string) string {
	top, _, _ := strings.Cut(category, "/")
	return top
}

func keywordsOverlap(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, k := range a {
		if k = normalize(k); k != "" {
			set[k] = struct{}{}
		}
	}
	for _, k := range b {
		if _, ok := set[normalize(k)]; ok {
			return true
		}
	}
	return false
}

// normalize folds case and compatibility forms so "Tomatoes", "TOMATOES"
// and full-width variants compare equal. Casers are not goroutine safe,
// so one is built per call.
func normalize(s string) string {
	s = strings.TrimSpace(norm.NFKC.String(s))
	if s == "" {
		return ""
	}
	s = cases.Fold().String(s)
	return strings.Trim(s, "/")
}

// Kilometres per degree for the equirectangular approximation.
const (
	kmPerDegreeLat = 110.574
	kmPerDegreeLon = 111.320
)

// PlanarDistanceKM approximates the distance between two points on an
// equirectangular projection.
func PlanarDistanceKM(a, b contracts.Location) float64 {
	meanLat := (a.Lat + b.Lat) / 2 * math.Pi / 180
	dx := (b.Lon - a.Lon) * kmPerDegreeLon * math.Cos(meanLat)
	dy := (b.Lat - a.Lat) * kmPerDegreeLat
	return math.Hypot(dx, dy)
}

// DistanceScore tiers the planar distance. Missing coordinates are neutral.
func DistanceScore(a, b *contracts.Location) float64 {
	if a == nil || b == nil {
		return neutral
	}
	d := PlanarDistanceKM(*a, *b)
	switch {
	case d <= 1:
		return 1.0
	case d <= 5:
		return 0.8
	case d <= 10:
		return 0.6
	case d <= 25:
		return 0.4
	case d <= 50:
		return 0.2
	default:
		return 0.0
	}
}

// TimingScore rates the slack between when the offer can be handed over and
// the need's deadline. The usable window is the overlap of the offer's
// availability with [now, neededBy].
func TimingScore(offer, need contracts.Listing, now time.Time) float64 {
	if need.NeededBy == nil || (offer.AvailableFrom == nil && offer.AvailableUntil == nil) {
		return neutral
	}

	start := now
	if offer.AvailableFrom != nil && offer.AvailableFrom.After(start) {
		start = *offer.AvailableFrom
	}
	end := *need.NeededBy
	if offer.AvailableUntil != nil && offer.AvailableUntil.Before(end) {
		end = *offer.AvailableUntil
	}

	buffer := end.Sub(start)
	switch {
	case buffer < 0:
		return 0.0
	case buffer > 24*time.Hour:
		return 1.0
	case buffer >= 6*time.Hour:
		return 0.8
	default:
		return 0.5
	}
}

// QuantityScore rates how well the offered amount covers the need.
func QuantityScore(offer, need contracts.Listing) float64 {
	if offer.Quantity <= 0 || need.Quantity <= 0 {
		return neutral
	}
	if normalize(offer.Unit) != normalize(need.Unit) {
		return neutral
	}
	if offer.Quantity < need.Quantity {
		return offer.Quantity / need.Quantity
	}
	surplus := (offer.Quantity - need.Quantity) / need.Quantity
	if surplus <= 0.5 {
		return 1.0
	}
	return 0.7
}
