package aggregate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danielpatrickdp/squiggle/internal/canon"
	"github.com/danielpatrickdp/squiggle/internal/retry"
)

// #region verify-types
// Check captures a single verification result.
type Check struct {
	Name   string
	Pass   bool
	Detail string
}

// VerifyResult is the outcome of re-checking a written experiment directory.
type VerifyResult struct {
	Passed bool
	Checks []Check
	Reason string
}

// #endregion verify-types

// #region verify
// Verify re-reads an experiment directory and checks the tables against the
// manifest: schema major, table hashes, row counts, the analysis id and the
// status. It reads under the experiment lock so a pass in progress is never
// mixed with the previous one. It only returns an error when the manifest
// cannot be read or the lock cannot be taken.
func Verify(ctx context.Context, dir string) (VerifyResult, error) {
	if _, err := ReadManifest(dir); err != nil {
		return VerifyResult{}, err
	}
	unlock, err := lockForRead(ctx, dir)
	if err != nil {
		return VerifyResult{}, err
	}
	defer unlock()

	m, err := ReadManifest(dir)
	if err != nil {
		return VerifyResult{}, err
	}

	var checks []Check
	var failReasons []string
	add := func(c Check) {
		checks = append(checks, c)
		if !c.Pass {
			failReasons = append(failReasons, fmt.Sprintf("%s: %s", c.Name, c.Detail))
		}
	}

	// 1. Schema major matches what this build writes
	want, _ := SchemaMajor(SchemaVersion)
	found, err := SchemaMajor(m.SchemaVersion)
	add(Check{
		Name:   "schema_version",
		Pass:   err == nil && found == want,
		Detail: fmt.Sprintf("found %s, want %s", m.SchemaVersion, SchemaVersion),
	})

	// 2. Table bytes hash and row counts
	actual := make(map[string]string, 2)
	for _, table := range []string{ProbeSummariesTable, EventsTable} {
		data, err := os.ReadFile(filepath.Join(dir, table+".jsonl"))
		if err != nil {
			add(Check{Name: "table_" + table, Detail: err.Error()})
			continue
		}
		actual[table] = canon.SHA256Hex(data)
		add(Check{
			Name:   "table_hash_" + table,
			Pass:   actual[table] == m.TableHashes[table],
			Detail: fmt.Sprintf("file %s, manifest %s", actual[table], m.TableHashes[table]),
		})
		rows := countRows(data)
		add(Check{
			Name:   "row_count_" + table,
			Pass:   rows == m.RowCounts[table],
			Detail: fmt.Sprintf("file %d, manifest %d", rows, m.RowCounts[table]),
		})
	}

	// 3. Analysis id recomputes from the manifest's own hashes
	id, err := analysisID(m.ExperimentID, m.SchemaVersion, m.TableHashes, m.SourceContentHashes)
	if err != nil {
		add(Check{Name: "analysis_id", Detail: err.Error()})
	} else {
		add(Check{
			Name:   "analysis_id",
			Pass:   id == m.AnalysisIDHash,
			Detail: fmt.Sprintf("computed %s, manifest %s", id, m.AnalysisIDHash),
		})
	}

	// 4. Partial passes carry reasons; complete ones do not
	statusPass := (m.Status == StatusComplete && len(m.Reasons) == 0) ||
		(m.Status == StatusPartial && len(m.Reasons) > 0)
	add(Check{
		Name:   "status",
		Pass:   statusPass,
		Detail: fmt.Sprintf("%s with %d reasons", m.Status, len(m.Reasons)),
	})

	reason := "all checks passed"
	if len(failReasons) == 1 {
		reason = fmt.Sprintf("verify failed: %s", failReasons[0])
	} else if len(failReasons) > 1 {
		reason = fmt.Sprintf("verify failed: %d checks: %s", len(failReasons), failReasons[0])
	}
	return VerifyResult{Passed: len(failReasons) == 0, Checks: checks, Reason: reason}, nil
}

// #endregion verify

func lockForRead(ctx context.Context, dir string) (func() error, error) {
	engine := retry.NewEngine(retry.DefaultPolicy(), func(err error) bool { return errors.Is(err, errLocked) })
	var unlock func() error
	err := engine.Do(ctx, func(int) error {
		u, err := tryLock(filepath.Join(dir, lockFileName))
		if err != nil {
			return err
		}
		unlock = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lock %s for reading: %w", dir, err)
	}
	return unlock, nil
}

func countRows(data []byte) int {
	n := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}
