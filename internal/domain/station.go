package domain

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed stations.yaml
var defaultStationsYAML []byte

// StationRegistry is the static list of monitoring locations in the aquifer.
// It doubles as the catalog filter.
type StationRegistry struct {
	Aquifer  string
	Stations []RegisteredStation
}

// RegisteredStation is a registry entry. Lat/Lon are optional.
type RegisteredStation struct {
	Code string   `yaml:"code"`
	Name string   `yaml:"name,omitempty"`
	Lat  *float64 `yaml:"lat,omitempty"`
	Lon  *float64 `yaml:"lon,omitempty"`
}

type registryFile struct {
	Aquifer  string              `yaml:"aquifer"`
	Stations []RegisteredStation `yaml:"stations"`
}

// DefaultStationRegistry returns the embedded Hullcar Aquifer registry.
func DefaultStationRegistry() (StationRegistry, error) {
	return ParseStationRegistry(defaultStationsYAML)
}

// LoadStationRegistry reads a registry from a YAML file. An empty path returns
// the embedded default.
func LoadStationRegistry(path string) (StationRegistry, error) {
	if path == "" {
		return DefaultStationRegistry()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return StationRegistry{}, fmt.Errorf("read station registry: %w", err)
	}
	return ParseStationRegistry(data)
}

// ParseStationRegistry decodes and validates registry YAML.
func ParseStationRegistry(data []byte) (StationRegistry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return StationRegistry{}, fmt.Errorf("parse station registry: %w", err)
	}
	if len(file.Stations) == 0 {
		return StationRegistry{}, errors.New("station registry has no stations")
	}

	seen := make(map[string]bool, len(file.Stations))
	for i := range file.Stations {
		st := &file.Stations[i]
		st.Code = normalizeCode(st.Code)
		if st.Code == "" {
			return StationRegistry{}, fmt.Errorf("station registry entry %d has no code", i)
		}
		if seen[st.Code] {
			return StationRegistry{}, fmt.Errorf("station registry lists %s twice", st.Code)
		}
		seen[st.Code] = true
		if (st.Lat == nil) != (st.Lon == nil) {
			return StationRegistry{}, fmt.Errorf("station %s must set both lat and lon", st.Code)
		}
		if st.Lat != nil && !validCoordinates(*st.Lat, *st.Lon) {
			return StationRegistry{}, fmt.Errorf("station %s has invalid coordinates", st.Code)
		}
	}

	return StationRegistry{Aquifer: file.Aquifer, Stations: file.Stations}, nil
}

// Filter returns the catalog filter for the registry's stations.
func (r StationRegistry) Filter() AquiferFilter {
	codes := make([]string, len(r.Stations))
	for i, st := range r.Stations {
		codes[i] = st.Code
	}
	return AquiferFilter{Aquifer: r.Aquifer, StationCodes: codes}
}

// StationIndex is a StationLookup over resolved stations.
type StationIndex map[string]MonitoringStation

// Station implements StationLookup.
func (idx StationIndex) Station(code string) (MonitoringStation, bool) {
	st, ok := idx[normalizeCode(code)]
	return st, ok
}

// BuildStationLookup resolves every registry station to coordinates. Pinned
// registry coordinates win; otherwise the first sample for the station with
// valid coordinates supplies them. Stations left without coordinates are
// omitted, so their samples drop as unknown.
func BuildStationLookup(r StationRegistry, samples []RawSample) StationIndex {
	idx := make(StationIndex, len(r.Stations))
	pending := make(map[string]RegisteredStation)

	for _, st := range r.Stations {
		if st.Lat != nil {
			idx[st.Code] = MonitoringStation{Code: st.Code, Name: st.Name, Lat: *st.Lat, Lon: *st.Lon}
			continue
		}
		pending[st.Code] = st
	}

	for _, s := range samples {
		if len(pending) == 0 {
			break
		}
		code := normalizeCode(s.StationCode)
		st, ok := pending[code]
		if !ok {
			continue
		}
		lat, errLat := parseCoordinate(s.Latitude)
		lon, errLon := parseCoordinate(s.Longitude)
		if errLat != nil || errLon != nil || !validCoordinates(lat, lon) {
			continue
		}
		name := st.Name
		if name == "" {
			name = strings.TrimSpace(s.StationName)
		}
		idx[code] = MonitoringStation{Code: code, Name: name, Lat: lat, Lon: lon}
		delete(pending, code)
	}

	return idx
}

func parseCoordinate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty coordinate")
	}
	return strconv.ParseFloat(s, 64)
}

// validCoordinates rejects out-of-range values and the 0,0 null island that
// catalogs emit for missing locations.
func validCoordinates(lat, lon float64) bool {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return lat != 0 || lon != 0
}
