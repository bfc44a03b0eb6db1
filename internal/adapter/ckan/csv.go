package ckan

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"iter"
	"strconv"
	"strings"

	"github.com/geobc/ems-aquifer-sync/internal/domain"
)

// requiredColumns must be present in the CSV header.
var requiredColumns = []string{stationField, "PARAMETER_CODE", "RESULT", "COLLECTION_END"}

func (c *Client) fetchCSV(ctx context.Context, filter domain.AquiferFilter) iter.Seq2[domain.RawSample, error] {
	return func(yield func(domain.RawSample, error) bool) {
		csvURL, err := c.resourceURL(ctx)
		if err != nil {
			yield(domain.RawSample{}, err)
			return
		}

		resp, err := c.get(ctx, c.download, csvURL)
		if err != nil {
			yield(domain.RawSample{}, err)
			return
		}
		defer resp.Body.Close()

		wanted := make(map[string]bool, len(filter.StationCodes))
		for _, code := range filter.StationCodes {
			wanted[strings.ToUpper(strings.TrimSpace(code))] = true
		}

		r := csv.NewReader(resp.Body)
		r.ReuseRecord = true
		r.FieldsPerRecord = -1

		header, err := r.Read()
		if err != nil {
			yield(domain.RawSample{}, unavailable("read csv header: %w", err))
			return
		}
		cols := make(map[string]int, len(header))
		for i, name := range header {
			cols[strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
		}
		for _, name := range requiredColumns {
			if _, ok := cols[name]; !ok {
				yield(domain.RawSample{}, unavailable("csv missing column %s", name))
				return
			}
		}

		rows, matched := 0, 0
		for {
			row, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(domain.RawSample{}, unavailable("read csv row %d: %w", rows+1, err))
				return
			}
			rows++

			rec := csvRecord{cols: cols, row: row}
			if !wanted[strings.ToUpper(strings.TrimSpace(rec.get(stationField)))] {
				continue
			}
			matched++
			if !yield(rec.sample(rows), nil) {
				return
			}
		}
		c.logger.Debug("csv fetch complete", "rows", rows, "matched", matched)
	}
}

type csvRecord struct {
	cols map[string]int
	row  []string
}

func (r csvRecord) get(name string) string {
	i, ok := r.cols[name]
	if !ok || i >= len(r.row) {
		return ""
	}
	return r.row[i]
}

func (r csvRecord) sample(line int) domain.RawSample {
	return domain.RawSample{
		StationCode:     r.get(stationField),
		StationName:     r.get("MONITORING_LOCATION"),
		Latitude:        r.get("LATITUDE"),
		Longitude:       r.get("LONGITUDE"),
		ParameterCode:   r.get("PARAMETER_CODE"),
		ParameterName:   r.get("PARAMETER"),
		Result:          r.get("RESULT"),
		Unit:            r.get("UNIT"),
		ResultLetter:    r.get("RESULT_LETTER"),
		QAIndexCode:     r.get("QA_INDEX_CODE"),
		CollectionStart: r.get("COLLECTION_START"),
		CollectionEnd:   r.get("COLLECTION_END"),
		SourceRecordID:  "csv:" + strconv.Itoa(line),
	}
}
