// Package ckan reads EMS sample results from a CKAN open-data catalog.
package ckan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/geobc/ems-aquifer-sync/internal/domain"
)

// Mode selects how the catalog resource is read.
type Mode string

const (
	// ModeDatastore pages through the CKAN DataStore search API with the
	// station filter applied server-side.
	ModeDatastore Mode = "datastore"
	// ModeCSV downloads the resource's CSV file and filters client-side.
	ModeCSV Mode = "csv"
)

// stationField is the EMS column holding the monitoring location ID.
const stationField = "EMS_ID"

// Options configures a Client.
type Options struct {
	BaseURL    string
	ResourceID string
	Token      string
	Mode       Mode
	PageSize   int
	// DownloadClient fetches the CSV resource. It should not cap the time
	// spent reading the body. Defaults to the client passed to NewClient.
	DownloadClient *http.Client
}

// Client is the catalog source. It implements pipeline.SampleSource.
type Client struct {
	baseURL    string
	resourceID string
	token      string
	mode       Mode
	pageSize   int
	httpClient *http.Client
	download   *http.Client
	logger     *slog.Logger
}

// NewClient creates a catalog client.
func NewClient(opts Options, httpClient *http.Client, logger *slog.Logger) *Client {
	mode := opts.Mode
	if mode == "" {
		mode = ModeDatastore
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 5000
	}
	download := opts.DownloadClient
	if download == nil {
		download = httpClient
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		resourceID: opts.ResourceID,
		token:      opts.Token,
		mode:       mode,
		pageSize:   pageSize,
		httpClient: httpClient,
		download:   download,
		logger:     logger,
	}
}

// FetchSamples streams every sample for the filter's stations. The sequence is
// not restartable: on any error it yields a single error wrapping
// domain.ErrSourceUnavailable and stops. An empty result set is not an error.
func (c *Client) FetchSamples(ctx context.Context, filter domain.AquiferFilter) iter.Seq2[domain.RawSample, error] {
	if c.mode == ModeCSV {
		return c.fetchCSV(ctx, filter)
	}
	return c.fetchDatastore(ctx, filter)
}

// CKAN action API envelope.
type envelope[T any] struct {
	Success bool      `json:"success"`
	Result  T         `json:"result"`
	Error   *apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

func (e *apiError) String() string {
	if e == nil {
		return "unknown error"
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type datastoreResult struct {
	Records []map[string]any `json:"records"`
	Total   int              `json:"total"`
}

type resourceResult struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Format string `json:"format"`
}

func (c *Client) fetchDatastore(ctx context.Context, filter domain.AquiferFilter) iter.Seq2[domain.RawSample, error] {
	return func(yield func(domain.RawSample, error) bool) {
		filters, err := json.Marshal(map[string][]string{stationField: filter.StationCodes})
		if err != nil {
			yield(domain.RawSample{}, unavailable("encode filters: %w", err))
			return
		}

		offset, total := 0, -1
		for {
			page, err := c.searchPage(ctx, string(filters), offset)
			if err != nil {
				yield(domain.RawSample{}, err)
				return
			}
			switch {
			case total < 0:
				total = page.Total
			case page.Total != total:
				yield(domain.RawSample{}, unavailable("total changed from %d to %d mid-fetch", total, page.Total))
				return
			}

			for _, rec := range page.Records {
				if !yield(recordToSample(rec), nil) {
					return
				}
			}
			offset += len(page.Records)

			if offset >= total {
				c.logger.Debug("datastore fetch complete", "records", offset, "total", total)
				return
			}
			if len(page.Records) < c.pageSize {
				yield(domain.RawSample{}, unavailable("truncated page at offset %d: got %d records, %d of %d fetched",
					offset-len(page.Records), len(page.Records), offset, total))
				return
			}
		}
	}
}

func (c *Client) searchPage(ctx context.Context, filters string, offset int) (datastoreResult, error) {
	params := url.Values{
		"resource_id": {c.resourceID},
		"filters":     {filters},
		"limit":       {strconv.Itoa(c.pageSize)},
		"offset":      {strconv.Itoa(offset)},
		"sort":        {"_id asc"},
	}
	u := c.baseURL + "/api/3/action/datastore_search?" + params.Encode()

	var env envelope[datastoreResult]
	if err := c.getJSON(ctx, u, &env); err != nil {
		return datastoreResult{}, err
	}
	if !env.Success {
		return datastoreResult{}, unavailable("datastore_search failed: %s", env.Error)
	}
	return env.Result, nil
}

// resourceURL resolves the resource's download URL via resource_show.
func (c *Client) resourceURL(ctx context.Context) (string, error) {
	u := c.baseURL + "/api/3/action/resource_show?" + url.Values{"id": {c.resourceID}}.Encode()

	var env envelope[resourceResult]
	if err := c.getJSON(ctx, u, &env); err != nil {
		return "", err
	}
	if !env.Success {
		return "", unavailable("resource_show failed: %s", env.Error)
	}
	if env.Result.URL == "" {
		return "", unavailable("resource %s has no download url", c.resourceID)
	}
	c.logger.Info("resolved catalog resource", "name", env.Result.Name, "format", env.Result.Format)
	return env.Result.URL, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	resp, err := c.get(ctx, c.httpClient, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return unavailable("decode response: %w", err)
	}
	return nil
}

// get issues an authenticated GET through hc and rejects non-2xx responses. The
// caller closes the body.
func (c *Client) get(ctx context.Context, hc *http.Client, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, unavailable("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, unavailable("catalog request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, unavailable("catalog API error: status %d: %s", resp.StatusCode, body)
	}
	return resp, nil
}

func recordToSample(rec map[string]any) domain.RawSample {
	return domain.RawSample{
		StationCode:     field(rec, stationField),
		StationName:     field(rec, "MONITORING_LOCATION"),
		Latitude:        field(rec, "LATITUDE"),
		Longitude:       field(rec, "LONGITUDE"),
		ParameterCode:   field(rec, "PARAMETER_CODE"),
		ParameterName:   field(rec, "PARAMETER"),
		Result:          field(rec, "RESULT"),
		Unit:            field(rec, "UNIT"),
		ResultLetter:    field(rec, "RESULT_LETTER"),
		QAIndexCode:     field(rec, "QA_INDEX_CODE"),
		CollectionStart: field(rec, "COLLECTION_START"),
		CollectionEnd:   field(rec, "COLLECTION_END"),
		SourceRecordID:  field(rec, "_id"),
	}
}

// field renders a DataStore value as the text the CSV export would carry.
func field(rec map[string]any, name string) string {
	switch v := rec[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, fmt.Errorf(format, args...))
}
