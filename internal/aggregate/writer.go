package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/danielpatrickdp/squiggle/internal/canon"
	"github.com/danielpatrickdp/squiggle/internal/logging"
	"github.com/danielpatrickdp/squiggle/internal/metrics"
	"github.com/danielpatrickdp/squiggle/internal/retry"
)

// #region writer
// Writer owns the output tree rooted at one directory; each experiment gets
// its own subdirectory and lock.
type Writer struct {
	root   string
	policy retry.Policy
	logger logging.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithRetryPolicy bounds lock acquisition attempts.
func WithRetryPolicy(p retry.Policy) Option {
	return func(w *Writer) { w.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWriter creates a writer rooted at root.
func NewWriter(root string, opts ...Option) *Writer {
	w := &Writer{
		root:   root,
		policy: retry.Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second},
		logger: logging.Named("aggregate"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the output directory of an experiment.
func (w *Writer) Dir(experimentID string) string {
	return filepath.Join(w.root, experimentID)
}

// Write validates, canonicalises and writes both tables and the manifest. Each
// file is renamed into place and the manifest goes last, so a reader that skips
// the experiment lock can briefly see new tables beside the previous manifest.
// Verify takes the lock for that reason.
func (w *Writer) Write(ctx context.Context, in Input) (Manifest, error) {
	start := time.Now()
	if err := validateInput(in); err != nil {
		return Manifest{}, err
	}

	probes, events := sortedRows(in)
	probeTable, err := encodeTable(probes)
	if err != nil {
		return Manifest{}, fmt.Errorf("encode %s: %w", ProbeSummariesTable, err)
	}
	eventTable, err := encodeTable(events)
	if err != nil {
		return Manifest{}, fmt.Errorf("encode %s: %w", EventsTable, err)
	}
	manifest, err := buildManifest(in, probeTable, eventTable, len(probes), len(events))
	if err != nil {
		return Manifest{}, err
	}
	manifestBytes, err := canon.JSON(manifest)
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}

	dir := w.Dir(in.ExperimentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create %s: %w", dir, err)
	}
	unlock, err := w.acquire(ctx, in.ExperimentID, filepath.Join(dir, lockFileName))
	if err != nil {
		return Manifest{}, err
	}
	defer unlock()

	if err := checkExistingSchema(dir); err != nil {
		return Manifest{}, err
	}
	files := []struct {
		name string
		data []byte
	}{
		{ProbeSummariesTable + ".jsonl", probeTable},
		{EventsTable + ".jsonl", eventTable},
		{ManifestFile, manifestBytes},
	}
	for _, f := range files {
		if err := writeAtomic(dir, f.name, f.data); err != nil {
			return Manifest{}, err
		}
	}

	metrics.RecordRowsWritten(ProbeSummariesTable, len(probes))
	metrics.RecordRowsWritten(EventsTable, len(events))
	metrics.RecordAggregateDuration(time.Since(start))
	w.logger.Info(ctx, "aggregation written",
		logging.String("experiment_id", in.ExperimentID),
		logging.String("status", string(manifest.Status)),
		logging.Int("probe_rows", len(probes)),
		logging.Int("event_rows", len(events)),
		logging.String("analysis_id_hash", manifest.AnalysisIDHash),
	)
	return manifest, nil
}

// #endregion writer

// #region lock
func (w *Writer) acquire(ctx context.Context, experimentID, path string) (func() error, error) {
	engine := retry.NewEngine(w.policy, func(err error) bool { return errors.Is(err, errLocked) })
	var unlock func() error
	attempts := 0
	err := engine.Do(ctx, func(n int) error {
		attempts = n
		u, err := tryLock(path)
		if err != nil {
			if errors.Is(err, errLocked) {
				metrics.RecordWriteConflict()
				w.logger.Debug(ctx, "experiment lock busy", logging.String("experiment_id", experimentID), logging.Int("attempt", n))
			}
			return err
		}
		unlock = u
		return nil
	})
	if err != nil {
		if errors.Is(err, errLocked) {
			return nil, &WriteConflictError{ExperimentID: experimentID, Attempts: attempts}
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return unlock, nil
}

// #endregion lock

// #region canonical
func sortedRows(in Input) ([]ProbeSummary, []EventRow) {
	probes := append([]ProbeSummary(nil), in.ProbeSummaries...)
	sort.SliceStable(probes, func(i, j int) bool {
		a, b := probes[i], probes[j]
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		if a.ProbeID != b.ProbeID {
			return a.ProbeID < b.ProbeID
		}
		return a.Metric < b.Metric
	})
	events := append([]EventRow(nil), in.Events...)
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		if a.StepStart != b.StepStart {
			return a.StepStart < b.StepStart
		}
		return a.EventID < b.EventID
	})
	return probes, events
}

// encodeTable renders rows as canonical JSON lines.
func encodeTable[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	for i, row := range rows {
		b, err := canon.JSON(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

func buildManifest(in Input, probeTable, eventTable []byte, probeRows, eventRows int) (Manifest, error) {
	sources := make(map[string]string, len(in.SourceContentHashes))
	for k, v := range in.SourceContentHashes {
		sources[k] = v
	}
	tables := map[string]string{
		ProbeSummariesTable: canon.SHA256Hex(probeTable),
		EventsTable:         canon.SHA256Hex(eventTable),
	}
	analysisHash, err := analysisID(in.ExperimentID, SchemaVersion, tables, sources)
	if err != nil {
		return Manifest{}, err
	}

	m := Manifest{
		ExperimentID:        in.ExperimentID,
		AnalysisIDHash:      analysisHash,
		SchemaVersion:       SchemaVersion,
		RowCounts:           map[string]int{ProbeSummariesTable: probeRows, EventsTable: eventRows},
		SourceContentHashes: sources,
		TableHashes:         tables,
		Status:              StatusComplete,
	}
	if len(in.Degraded) > 0 {
		m.Status = StatusPartial
		m.Reasons = append([]string(nil), in.Degraded...)
		sort.Strings(m.Reasons)
	}
	return m, nil
}

// analysisID fingerprints a pass from its identity and content hashes only.
func analysisID(experimentID, schemaVersion string, tables, sources map[string]string) (string, error) {
	h, err := canon.HashJSON(struct {
		ExperimentID  string            `json:"experiment_id"`
		SchemaVersion string            `json:"schema_version"`
		Tables        map[string]string `json:"tables"`
		Sources       map[string]string `json:"sources"`
	}{experimentID, schemaVersion, tables, sources})
	if err != nil {
		return "", fmt.Errorf("hash analysis: %w", err)
	}
	return h, nil
}

// #endregion canonical

// #region files
func checkExistingSchema(dir string) error {
	existing, err := ReadManifest(dir)
	if errors.Is(err, ErrNoManifest) {
		return nil
	}
	if err != nil {
		return err
	}
	found, err := SchemaMajor(existing.SchemaVersion)
	if err != nil {
		return &SchemaMismatchError{Dir: dir, Found: existing.SchemaVersion, Want: SchemaVersion}
	}
	want, _ := SchemaMajor(SchemaVersion)
	if found != want {
		return &SchemaMismatchError{Dir: dir, Found: existing.SchemaVersion, Want: SchemaVersion}
	}
	return nil
}

// writeAtomic writes data to dir/name through a synced temp file and rename.
func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// ReadManifest reads the last complete manifest in dir without taking the lock.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, fmt.Errorf("%w in %s", ErrNoManifest, dir)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest in %s: %w", dir, err)
	}
	return m, nil
}

// #endregion files
