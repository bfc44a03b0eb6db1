package arcgis

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/geobc/ems-aquifer-sync/internal/domain"
)

// Hosted layer attribute names.
const (
	fieldObjectID        = "OBJECTID"
	fieldStation         = "EMS_ID"
	fieldStationName     = "MONITORING_LOCATION"
	fieldParameterCode   = "PARAMETER_CODE"
	fieldParameter       = "PARAMETER"
	fieldResult          = "RESULT"
	fieldUnit            = "UNIT"
	fieldResultLetter    = "RESULT_LETTER"
	fieldQAIndexCode     = "QA_INDEX_CODE"
	fieldCollectionStart = "COLLECTION_START"
	fieldCollectionEnd   = "COLLECTION_END"
	fieldLatitude        = "LATITUDE"
	fieldLongitude       = "LONGITUDE"
	fieldLoadDate        = "GIS_LOAD_DATE"
)

// wkidWGS84 is the spatial reference of published geometry.
const wkidWGS84 = 4326

// loadDateLayout matches the GIS_LOAD_DATE values already in the layer.
const loadDateLayout = "2006-01-02 03:04:05 PM"

type wireFeature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *point         `json:"geometry,omitempty"`
}

type point struct {
	X                float64           `json:"x"`
	Y                float64           `json:"y"`
	SpatialReference *spatialReference `json:"spatialReference,omitempty"`
}

type spatialReference struct {
	WKID int `json:"wkid"`
}

// toWire renders a feature for addFeatures/updateFeatures. Updates carry the
// OBJECTID of the feature they replace.
func toWire(f domain.CanonicalFeature, loadDate string, withID bool) wireFeature {
	attrs := map[string]any{
		fieldStation:       f.StationCode,
		fieldStationName:   f.StationName,
		fieldParameterCode: f.ParameterCode,
		fieldParameter:     f.ParameterName,
		fieldResult:        f.Value,
		fieldUnit:          f.Unit,
		fieldResultLetter:  f.ResultLetter,
		fieldQAIndexCode:   f.QAStatus,
		fieldCollectionEnd: f.SampleDate.UnixMilli(),
		fieldLatitude:      f.Lat,
		fieldLongitude:     f.Lon,
		fieldLoadDate:      loadDate,
	}
	if f.CollectionStart.IsZero() {
		attrs[fieldCollectionStart] = nil
	} else {
		attrs[fieldCollectionStart] = f.CollectionStart.UnixMilli()
	}
	if withID {
		attrs[fieldObjectID] = f.RemoteID
	}
	return wireFeature{
		Attributes: attrs,
		Geometry: &point{
			X:                f.Lon,
			Y:                f.Lat,
			SpatialReference: &spatialReference{WKID: wkidWGS84},
		},
	}
}

// fromWire maps a queried feature back to the canonical schema and recomputes
// its fingerprint.
func fromWire(w wireFeature, objectIDField string) (domain.CanonicalFeature, error) {
	a := w.Attributes
	id, err := attrInt(a, objectIDField)
	if err != nil {
		return domain.CanonicalFeature{}, err
	}
	value, err := attrFloat(a, fieldResult)
	if err != nil {
		return domain.CanonicalFeature{}, fmt.Errorf("object %d: %w", id, err)
	}
	sampleDate, err := attrTime(a, fieldCollectionEnd)
	if err != nil {
		return domain.CanonicalFeature{}, fmt.Errorf("object %d: %w", id, err)
	}
	start, _ := attrTime(a, fieldCollectionStart)

	f := domain.CanonicalFeature{
		RemoteID:        id,
		StationCode:     attrString(a, fieldStation),
		StationName:     attrString(a, fieldStationName),
		ParameterCode:   attrString(a, fieldParameterCode),
		ParameterName:   attrString(a, fieldParameter),
		Value:           value,
		Unit:            attrString(a, fieldUnit),
		ResultLetter:    attrString(a, fieldResultLetter),
		QAStatus:        attrString(a, fieldQAIndexCode),
		SampleDate:      sampleDate,
		CollectionStart: start,
	}
	if w.Geometry != nil {
		f.Lon, f.Lat = w.Geometry.X, w.Geometry.Y
	} else {
		f.Lat, _ = attrFloat(a, fieldLatitude)
		f.Lon, _ = attrFloat(a, fieldLongitude)
	}
	if f.StationCode == "" || f.ParameterCode == "" {
		return domain.CanonicalFeature{}, fmt.Errorf("object %d: missing %s or %s", id, fieldStation, fieldParameterCode)
	}
	return domain.CanonicalizeFeature(f), nil
}

func attrString(a map[string]any, name string) string {
	switch v := a[name].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func attrFloat(a map[string]any, name string) (float64, error) {
	switch v := a[name].(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%s %q is not numeric", name, v)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("%s is null", name)
	default:
		return 0, fmt.Errorf("%s has unexpected type %T", name, v)
	}
}

func attrInt(a map[string]any, name string) (int64, error) {
	v, ok := a[name].(float64)
	if !ok {
		return 0, fmt.Errorf("feature missing %s", name)
	}
	return int64(v), nil
}

// attrTime reads an esriFieldTypeDate (epoch ms) or an ISO 8601 string.
func attrTime(a map[string]any, name string) (time.Time, error) {
	switch v := a[name].(type) {
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%s %q is not a date", name, v)
	case nil:
		return time.Time{}, errors.New(name + " is null")
	default:
		return time.Time{}, fmt.Errorf("%s has unexpected type %T", name, v)
	}
}
