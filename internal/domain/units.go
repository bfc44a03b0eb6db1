package domain

import "strings"

// unitRule converts a value into the canonical unit of its family.
type unitRule struct {
	canonical string
	convert   func(float64) float64
}

func scale(factor float64) func(float64) float64 {
	return func(v float64) float64 { return v * factor }
}

// unitRules is keyed by the lower-cased unit with whitespace removed.
var unitRules = map[string]unitRule{
	// Mass concentration.
	"mg/l": {"mg/L", scale(1)},
	"g/l":  {"mg/L", scale(1e3)},
	"ug/l": {"mg/L", scale(1e-3)},
	"µg/l": {"mg/L", scale(1e-3)},
	"ng/l": {"mg/L", scale(1e-6)},
	"ppm":  {"mg/L", scale(1)},
	"ppb":  {"mg/L", scale(1e-3)},

	// Specific conductance.
	"us/cm": {"uS/cm", scale(1)},
	"µs/cm": {"uS/cm", scale(1)},
	"ms/cm": {"uS/cm", scale(1e3)},

	// Temperature.
	"c":    {"C", scale(1)},
	"degc": {"C", scale(1)},
	"f":    {"C", func(v float64) float64 { return (v - 32) * 5 / 9 }},
	"degf": {"C", func(v float64) float64 { return (v - 32) * 5 / 9 }},
}

// ConvertUnit returns value expressed in the canonical unit for its family.
// Units outside the known families pass through with whitespace trimmed.
func ConvertUnit(value float64, unit string) (float64, string) {
	key := strings.ToLower(strings.Join(strings.Fields(unit), ""))
	if rule, ok := unitRules[key]; ok {
		return rule.convert(value), rule.canonical
	}
	return value, strings.TrimSpace(unit)
}
