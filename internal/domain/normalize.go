package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone is the zone EMS collection times are recorded in.
const DefaultTimezone = "America/Vancouver"

// timestampLayouts are tried in order. The first is the EMS export format.
var timestampLayouts = []string{
	"20060102150405",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// StationLookup resolves a station code to a station with valid coordinates.
type StationLookup interface {
	Station(code string) (MonitoringStation, bool)
}

// Normalizer maps raw catalog samples onto the canonical feature schema.
type Normalizer struct {
	location *time.Location
}

// NewNormalizer creates a Normalizer that reads naive catalog timestamps in loc.
// A nil loc means UTC.
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{location: loc}
}

// Normalize converts one sample. It never has side effects: the same sample and
// lookup always produce the same feature and fingerprint. Samples that cannot
// be published return a *DropError.
func (n *Normalizer) Normalize(s RawSample, lookup StationLookup) (CanonicalFeature, error) {
	code := normalizeCode(s.StationCode)
	if code == "" {
		return CanonicalFeature{}, drop(DropMalformedRecord, s, "missing station code")
	}
	station, ok := lookup.Station(code)
	if !ok {
		return CanonicalFeature{}, drop(DropUnknownStation, s, "station %s not resolvable", code)
	}

	param := normalizeCode(s.ParameterCode)
	if param == "" {
		return CanonicalFeature{}, drop(DropMalformedRecord, s, "missing parameter code")
	}

	raw := strings.TrimSpace(s.Result)
	if raw == "" {
		return CanonicalFeature{}, drop(DropMalformedRecord, s, "missing result")
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return CanonicalFeature{}, drop(DropMalformedRecord, s, "result %q is not numeric", raw)
	}
	value, unit := ConvertUnit(value, s.Unit)

	sampleDate, err := n.parseTimestamp(s.CollectionEnd)
	if err != nil {
		return CanonicalFeature{}, drop(DropMalformedRecord, s, "collection end: %v", err)
	}
	// COLLECTION_START is informational only.
	start, _ := n.parseTimestamp(s.CollectionStart)

	name := strings.TrimSpace(s.StationName)
	if station.Name != "" {
		name = station.Name
	}

	f := CanonicalFeature{
		StationCode:     code,
		StationName:     name,
		ParameterCode:   param,
		ParameterName:   strings.TrimSpace(s.ParameterName),
		Value:           RoundValue(value),
		Unit:            unit,
		ResultLetter:    strings.TrimSpace(s.ResultLetter),
		QAStatus:        normalizeCode(s.QAIndexCode),
		SampleDate:      sampleDate,
		CollectionStart: start,
		Lat:             station.Lat,
		Lon:             station.Lon,
		RevisedAt:       s.RevisedAt,
	}
	f.Fingerprint = Fingerprint(f)
	return f, nil
}

// NormalizeAll folds Normalize over samples, collecting features and counting
// drops by reason. Duplicates are removed from the returned features.
func (n *Normalizer) NormalizeAll(samples []RawSample, lookup StationLookup) ([]CanonicalFeature, DropCounts) {
	drops := DropCounts{}
	features := make([]CanonicalFeature, 0, len(samples))
	for _, s := range samples {
		f, err := n.Normalize(s, lookup)
		if err != nil {
			var de *DropError
			if errors.As(err, &de) {
				drops.Add(de.Reason)
				continue
			}
			drops.Add(DropMalformedRecord)
			continue
		}
		features = append(features, f)
	}

	kept, dupes := Dedupe(features)
	for range dupes {
		drops.Add(DropDuplicate)
	}
	return kept, drops
}

// CanonicalizeFeature fills in the normalized code fields and fingerprint of a
// feature read back from the hosted layer, so it compares equal to a freshly
// normalized sample with the same content.
func CanonicalizeFeature(f CanonicalFeature) CanonicalFeature {
	f.StationCode = normalizeCode(f.StationCode)
	f.ParameterCode = normalizeCode(f.ParameterCode)
	f.QAStatus = normalizeCode(f.QAStatus)
	f.Value = RoundValue(f.Value)
	f.SampleDate = f.SampleDate.UTC().Truncate(time.Second)
	f.Fingerprint = Fingerprint(f)
	return f
}

// Fingerprint hashes the semantically meaningful fields of a feature. Remote
// and source identifiers are excluded so identical content always hashes the
// same across runs.
func Fingerprint(f CanonicalFeature) string {
	input := strings.Join([]string{
		f.StationCode,
		f.ParameterCode,
		strconv.FormatFloat(RoundValue(f.Value), 'f', -1, 64),
		f.SampleDate.UTC().Format(time.RFC3339),
		f.QAStatus,
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// RoundValue rounds to 6 decimal places to absorb float noise from unit
// conversion and round-tripping through the hosted layer.
func RoundValue(v float64) float64 {
	r := math.Round(v*1e6) / 1e6
	if r == 0 {
		return 0 // collapse -0
	}
	return r
}

func (n *Normalizer) parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC().Truncate(time.Second), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, n.location); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
