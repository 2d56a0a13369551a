// Package units provides shared constants, validation and conversion for
// depth display units
package units

import (
	"fmt"
	"math"
)

// Unit constants
const (
	CM = "cm"
	IN = "in"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{CM, IN}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "cm, in"
}

// ConvertDepth converts a depth from centimetres to the target units.
// Estimates are produced in centimetres internally.
func ConvertDepth(depthCm float64, targetUnits string) float64 {
	switch targetUnits {
	case IN:
		return depthCm * 0.393701 // cm to inches
	case CM:
		return depthCm
	default:
		return depthCm // default to cm if unknown unit
	}
}

// DepthRange is the nominal burial band for one depth category, in
// centimetres. MaxCm of zero means open-ended.
type DepthRange struct {
	MinCm float64
	MaxCm float64
}

// depthRanges maps depth category names to their nominal bands. The
// bands are display guidance, not measurements; estimation is ordinal.
var depthRanges = map[string]DepthRange{
	"surface":   {MinCm: 0, MaxCm: 5},
	"shallow":   {MinCm: 5, MaxCm: 12},
	"medium":    {MinCm: 12, MaxCm: 25},
	"deep":      {MinCm: 25, MaxCm: 40},
	"very_deep": {MinCm: 40},
}

// RangeFor returns the nominal depth band for a category name.
func RangeFor(category string) (DepthRange, bool) {
	r, ok := depthRanges[category]
	return r, ok
}

// RangeLabel formats the nominal band for a category in the target
// units, e.g. "5-12 cm", "16+ in". Unknown categories and units fall
// back to an empty label and centimetres respectively.
func RangeLabel(category, targetUnits string) string {
	r, ok := depthRanges[category]
	if !ok {
		return ""
	}
	if !IsValid(targetUnits) {
		targetUnits = CM
	}
	min := math.Round(ConvertDepth(r.MinCm, targetUnits))
	if r.MaxCm == 0 {
		return fmt.Sprintf("%.0f+ %s", min, targetUnits)
	}
	max := math.Round(ConvertDepth(r.MaxCm, targetUnits))
	return fmt.Sprintf("%.0f-%.0f %s", min, max, targetUnits)
}
