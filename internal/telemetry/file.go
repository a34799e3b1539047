package telemetry

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrBadRow is wrapped by every row-level parse failure.
var ErrBadRow = errors.New("bad telemetry row")

// #region row

// Row is one line of a telemetry file. A nil Value is a missing observation.
type Row struct {
	RunID  string   `json:"run_id"`
	Layer  string   `json:"layer"`
	Metric string   `json:"metric"`
	Step   int64    `json:"step"`
	Value  *float64 `json:"value"`
}

func (r Row) check() error {
	switch {
	case r.RunID == "":
		return errors.New("missing run_id")
	case r.Metric == "":
		return errors.New("missing metric")
	}
	return nil
}

// Group builds series from rows. Rows keep their input order within a series so
// that out-of-order steps surface as malformed series during detection.
func Group(rows []Row) []MetricSeries {
	index := make(map[SeriesKey]int)
	var out []MetricSeries
	for _, r := range rows {
		key := SeriesKey{RunID: r.RunID, Layer: r.Layer, Metric: r.Metric}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, MetricSeries{RunID: r.RunID, Layer: r.Layer, Metric: r.Metric})
		}
		v := math.NaN()
		if r.Value != nil {
			v = *r.Value
		}
		out[i].Points = append(out[i].Points, Point{Step: r.Step, Value: v})
	}
	return out
}

// Rows flattens series back into rows; NaN values become null.
func Rows(series []MetricSeries) []Row {
	var out []Row
	for _, s := range series {
		for _, p := range s.Points {
			r := Row{RunID: s.RunID, Layer: s.Layer, Metric: s.Metric, Step: p.Step}
			if !math.IsNaN(p.Value) {
				v := p.Value
				r.Value = &v
			}
			out = append(out, r)
		}
	}
	return out
}

// #endregion row

// #region file-source

// FileSource reads telemetry rows from JSONL or CSV files; the format follows
// the file extension (.csv, anything else is JSONL).
type FileSource struct {
	Paths []string
}

// NewFileSource creates a source over the given files.
func NewFileSource(paths ...string) *FileSource {
	return &FileSource{Paths: paths}
}

// Series loads every file and groups the rows into series.
func (f *FileSource) Series(ctx context.Context) ([]MetricSeries, error) {
	var rows []Row
	for _, path := range f.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		got, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		rows = append(rows, got...)
	}
	return Group(rows), nil
}

// ReadFile parses one telemetry file.
func ReadFile(path string) ([]Row, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry: %w", err)
	}
	defer fh.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		rows, err := ReadCSV(fh)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return rows, nil
	}
	rows, err := ReadJSONL(fh)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

// ReadJSONL parses newline-delimited JSON rows; blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Row, error) {
	var rows []Row
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var row Row
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadRow, line, err)
		}
		if err := row.check(); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadRow, line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}
	return rows, nil
}

// ReadCSV parses a CSV file with a header naming run_id, layer, metric, step and
// value in any order. Empty, "nan" and "null" values are missing observations.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range []string{"run_id", "layer", "metric", "step", "value"} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: csv header missing %q", ErrBadRow, name)
		}
	}

	var rows []Row
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadRow, line, err)
		}
		step, err := strconv.ParseInt(strings.TrimSpace(rec[cols["step"]]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: step: %v", ErrBadRow, line, err)
		}
		row := Row{
			RunID:  rec[cols["run_id"]],
			Layer:  rec[cols["layer"]],
			Metric: rec[cols["metric"]],
			Step:   step,
		}
		raw := strings.TrimSpace(rec[cols["value"]])
		switch strings.ToLower(raw) {
		case "", "nan", "null":
		default:
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: value: %v", ErrBadRow, line, err)
			}
			row.Value = &v
		}
		if err := row.check(); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadRow, line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// #endregion file-source
