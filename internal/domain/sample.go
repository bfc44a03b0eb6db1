package domain

import (
	"time"
)

// RawSample is one result row as delivered by the EMS catalog. Field values are
// kept as the catalog's text so normalization owns every parsing decision.
type RawSample struct {
	StationCode     string // EMS_ID
	StationName     string // MONITORING_LOCATION
	Latitude        string
	Longitude       string
	ParameterCode   string
	ParameterName   string
	Result          string
	Unit            string
	ResultLetter    string // "<" or ">" qualifiers on censored results
	QAIndexCode     string
	CollectionStart string
	CollectionEnd   string
	SourceRecordID  string
	RevisedAt       time.Time // zero when the catalog carries no revision info
}

// AquiferFilter scopes a catalog query to the aquifer's monitoring locations.
type AquiferFilter struct {
	Aquifer      string
	StationCodes []string
}

// MonitoringStation is a single well or sampling site.
type MonitoringStation struct {
	Code string
	Name string
	Lat  float64
	Lon  float64
}

// CanonicalFeature is the unit of publication to the hosted layer.
type CanonicalFeature struct {
	StationCode     string
	StationName     string
	ParameterCode   string
	ParameterName   string
	Value           float64
	Unit            string
	ResultLetter    string
	QAStatus        string
	SampleDate      time.Time
	CollectionStart time.Time
	Lat             float64
	Lon             float64
	Fingerprint     string

	// RemoteID is the hosted layer's OBJECTID; zero until published.
	RemoteID  int64
	RevisedAt time.Time
}

// Key returns the natural key (station, parameter, sample date).
func (f CanonicalFeature) Key() string {
	return f.StationCode + "|" + f.ParameterCode + "|" + f.SampleDate.UTC().Format(time.RFC3339)
}

// EditOp names a hosted layer mutation.
type EditOp string

const (
	OpInsert EditOp = "insert"
	OpUpdate EditOp = "update"
	OpDelete EditOp = "delete"
)

// ItemFailure is a feature the hosting platform rejected on both the batch
// attempt and the individual retry.
type ItemFailure struct {
	Op          EditOp
	Feature     CanonicalFeature
	Code        int
	Description string
}

// PublishResult reports the outcome of applying a Diff. Inserted features carry
// the RemoteID assigned by the platform.
type PublishResult struct {
	Inserted []CanonicalFeature
	Updated  []CanonicalFeature
	Deleted  []CanonicalFeature
	Failures []ItemFailure
	Retried  int
}
