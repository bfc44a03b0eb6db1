package ckan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/geobc/ems-aquifer-sync/internal/adapter/transport"
	"github.com/geobc/ems-aquifer-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testResourceID    = "6aa7f376-a4d3-4fb4-a51c-b4487600d516"
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

var testFilter = domain.AquiferFilter{Aquifer: "Hullcar", StationCodes: []string{"E333852", "E319191"}}

func testClient(baseURL string, mode Mode, pageSize int) *Client {
	return NewClient(Options{
		BaseURL:    baseURL,
		ResourceID: testResourceID,
		Token:      "ckan-token",
		Mode:       mode,
		PageSize:   pageSize,
	}, &http.Client{Timeout: 5 * time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func collect(t *testing.T, c *Client) ([]domain.RawSample, error) {
	t.Helper()
	var out []domain.RawSample
	for s, err := range c.FetchSamples(context.Background(), testFilter) {
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

func makeRecords(n int) []map[string]any {
	recs := make([]map[string]any, n)
	for i := range recs {
		recs[i] = map[string]any{
			"_id":                 i + 1,
			"EMS_ID":              "E333852",
			"MONITORING_LOCATION": "HULLCAR WELL 1",
			"LATITUDE":            50.4791,
			"LONGITUDE":           -119.2398,
			"PARAMETER_CODE":      "NO3",
			"PARAMETER":           "Nitrate",
			"RESULT":              12.4,
			"UNIT":                "mg/L",
			"COLLECTION_END":      "20240312101500",
		}
	}
	return recs
}

// datastoreServer serves records in pages. total overrides the advertised
// total when non-negative.
func datastoreServer(t *testing.T, records []map[string]any, total int) *httptest.Server {
	t.Helper()
	if total < 0 {
		total = len(records)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/3/action/datastore_search", r.URL.Path)
		assert.Equal(t, testResourceID, r.URL.Query().Get("resource_id"))
		assert.Equal(t, "ckan-token", r.Header.Get("Authorization"))
		assert.JSONEq(t, `{"EMS_ID":["E333852","E319191"]}`, r.URL.Query().Get("filters"))

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		end := min(offset+limit, len(records))
		if offset > end {
			offset = end
		}

		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result": map[string]any{
				"records": records[offset:end],
				"total":   total,
			},
		}))
	}))
}

func TestFetchSamples_DatastoreFollowsAllPages(t *testing.T) {
	srv := datastoreServer(t, makeRecords(7), -1)
	defer srv.Close()

	samples, err := collect(t, testClient(srv.URL, ModeDatastore, 3))
	require.NoError(t, err)
	require.Len(t, samples, 7)

	s := samples[0]
	assert.Equal(t, "E333852", s.StationCode)
	assert.Equal(t, "HULLCAR WELL 1", s.StationName)
	assert.Equal(t, "50.4791", s.Latitude)
	assert.Equal(t, "-119.2398", s.Longitude)
	assert.Equal(t, "12.4", s.Result)
	assert.Equal(t, "20240312101500", s.CollectionEnd)
	assert.Equal(t, "1", s.SourceRecordID)
	assert.Equal(t, "7", samples[6].SourceRecordID)
}

func TestFetchSamples_DatastoreTruncatedIsFatal(t *testing.T) {
	// Server advertises 10 records but only holds 7.
	srv := datastoreServer(t, makeRecords(7), 10)
	defer srv.Close()

	samples, err := collect(t, testClient(srv.URL, ModeDatastore, 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "truncated")
	assert.Len(t, samples, 7)
}

func TestFetchSamples_DatastoreEmptyIsValid(t *testing.T) {
	srv := datastoreServer(t, nil, -1)
	defer srv.Close()

	samples, err := collect(t, testClient(srv.URL, ModeDatastore, 3))
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestFetchSamples_DatastoreTotalChanges(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set(headerContentType, contentTypeJSON)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"records": makeRecords(2), "total": 4 + calls},
		})
	}))
	defer srv.Close()

	_, err := collect(t, testClient(srv.URL, ModeDatastore, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "total changed")
}

func TestFetchSamples_DatastoreErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "api failure envelope",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"success":false,"error":{"__type":"Not Found Error","message":"Resource not found"}}`))
			},
			want: "Resource not found",
		},
		{
			name: "http error status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"message":"Access denied"}`))
			},
			want: "status 403",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`<html>maintenance</html>`))
			},
			want: "decode response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := collect(t, testClient(srv.URL, ModeDatastore, 10))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFetchSamples_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := collect(t, testClient(srv.URL, ModeDatastore, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestFetchSamples_StopsWhenConsumerStops(t *testing.T) {
	srv := datastoreServer(t, makeRecords(7), -1)
	defer srv.Close()

	c := testClient(srv.URL, ModeDatastore, 3)
	n := 0
	for _, err := range c.FetchSamples(context.Background(), testFilter) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

const testCSV = "\ufeffEMS_ID,MONITORING_LOCATION,LATITUDE,LONGITUDE,COLLECTION_START,COLLECTION_END,PARAMETER_CODE,PARAMETER,RESULT_LETTER,RESULT,UNIT,QA_INDEX_CODE\n" +
	"E333852,HULLCAR WELL 1,50.4791,-119.2398,20240312100000,20240312101500,NO3,Nitrate,,12.4,mg/L,N\n" +
	"E111111,ELSEWHERE,49.1,-123.1,20240312100000,20240312101500,NO3,Nitrate,,3.1,mg/L,\n" +
	"e319191 ,HULLCAR WELL 11,50.47,-119.22,20240313090000,20240313091500,CL,Chloride,<,0.5,mg/L,\n"

func csvServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/api/3/action/resource_show", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testResourceID, r.URL.Query().Get("id"))
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = fmt.Fprintf(w, `{"success":true,"result":{"name":"ems_sample_results_current_expanded","format":"CSV","url":%q}}`,
			srv.URL+"/download/ems.csv")
	})
	mux.HandleFunc("/download/ems.csv", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, "text/csv")
		_, _ = w.Write([]byte(body))
	})
	srv = httptest.NewServer(mux)
	return srv
}

func TestFetchSamples_CSVFiltersStations(t *testing.T) {
	srv := csvServer(t, testCSV)
	defer srv.Close()

	samples, err := collect(t, testClient(srv.URL, ModeCSV, 0))
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, "E333852", samples[0].StationCode)
	assert.Equal(t, "12.4", samples[0].Result)
	assert.Equal(t, "N", samples[0].QAIndexCode)
	assert.Equal(t, "csv:1", samples[0].SourceRecordID)

	assert.Equal(t, "e319191 ", samples[1].StationCode)
	assert.Equal(t, "<", samples[1].ResultLetter)
	assert.Equal(t, "csv:3", samples[1].SourceRecordID)
}

func TestFetchSamples_CSVSlowDownload(t *testing.T) {
	rows := strings.Split(strings.TrimSuffix(testCSV, "\n"), "\n")
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/api/3/action/resource_show", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = fmt.Fprintf(w, `{"success":true,"result":{"url":%q}}`, srv.URL+"/download/ems.csv")
	})
	mux.HandleFunc("/download/ems.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerContentType, "text/csv")
		flusher := w.(http.Flusher)
		for _, row := range rows {
			_, _ = io.WriteString(w, row+"\n")
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(150 * time.Millisecond):
			}
		}
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(Options{
		BaseURL:        srv.URL,
		ResourceID:     testResourceID,
		Mode:           ModeCSV,
		DownloadClient: transport.NewDownloadClient(300*time.Millisecond, 0, logger),
	}, transport.NewHTTPClient(300*time.Millisecond, 0, logger), logger)

	samples, err := collect(t, c)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func TestFetchSamples_CSVMissingColumn(t *testing.T) {
	srv := csvServer(t, "EMS_ID,RESULT\nE333852,1\n")
	defer srv.Close()

	_, err := collect(t, testClient(srv.URL, ModeCSV, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "PARAMETER_CODE")
}

func TestFetchSamples_CSVMalformedRow(t *testing.T) {
	srv := csvServer(t, testCSV+"E333852,\"unterminated\n")
	defer srv.Close()

	samples, err := collect(t, testClient(srv.URL, ModeCSV, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Len(t, samples, 2)
}

func TestField(t *testing.T) {
	rec := map[string]any{
		"s": "abc",
		"n": json.Number("1.50"),
		"b": true,
		"f": 2.5,
	}
	assert.Equal(t, "abc", field(rec, "s"))
	assert.Equal(t, "1.50", field(rec, "n"))
	assert.Equal(t, "true", field(rec, "b"))
	assert.Equal(t, "2.5", field(rec, "f"))
	assert.Empty(t, field(rec, "missing"))
}
