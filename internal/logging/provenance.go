package logging

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// #region log-decision
// LogDecision writes a provenance entry to the provenance_log table.
func LogDecision(ctx context.Context, db Execer, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO provenance_log (run_id, split, trigger_type, proposal_hash, evidence_json, decision, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(entry.RunID),
		nullIfEmpty(entry.Split),
		entry.TriggerType,
		nullIfEmpty(entry.ProposalHash),
		nullIfEmpty(entry.EvidenceJSON),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region list-decisions
// ListDecisions returns provenance entries, newest last. An empty runID lists all.
func ListDecisions(ctx context.Context, db *sql.DB, runID string, limit int) ([]ProvenanceEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, split, trigger_type, proposal_hash, evidence_json, decision, reason, created_at
		 FROM provenance_log WHERE (? = '' OR run_id = ?) ORDER BY id DESC LIMIT ?`,
		runID, runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceEntry
	for rows.Next() {
		var e ProvenanceEntry
		var run, split, hash, evidence, reason sql.NullString
		var createdAt string
		if err := rows.Scan(&run, &split, &e.TriggerType, &hash, &evidence, &e.Decision, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.RunID, e.Split, e.ProposalHash = run.String, split.String, hash.String
		e.EvidenceJSON, e.Reason = evidence.String, reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// #endregion list-decisions

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
