package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/squiggle/internal/canon"
	"github.com/danielpatrickdp/squiggle/internal/gate"
	"github.com/danielpatrickdp/squiggle/internal/logging"
	"github.com/danielpatrickdp/squiggle/internal/metrics"
	"github.com/danielpatrickdp/squiggle/internal/retry"
)

// #region ledger
// Ledger owns the problem registry, usage log and holdout lock. Writers use an
// optimistic check on ledger_meta.version and retry on conflict.
type Ledger struct {
	db         *sql.DB
	guard      *gate.Guard
	classifier Classifier
	retry      *retry.Engine
	logger     logging.Logger
	now        func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClassifier sets the classifier consulted at first registration.
func WithClassifier(c Classifier) Option {
	return func(l *Ledger) { l.classifier = c }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRetryPolicy sets the conflict retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) { l.retry = retry.NewEngine(p, retryable) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string, opts ...Option) (*Ledger, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		db:     db,
		guard:  gate.NewGuard(),
		retry:  retry.NewEngine(retry.DefaultPolicy(), retryable),
		logger: logging.Named("ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// #endregion ledger

// #region register
// Registration pairs an item id with the hash of its canonical content.
type Registration struct {
	ItemID      string
	ContentHash string
}

// RegisterResult counts the outcome of a batch registration.
type RegisterResult struct {
	Added    int
	Existing int
}

// Register records a problem. Re-registering the same hash is a no-op; a
// different hash is a ProvenanceError.
func (l *Ledger) Register(ctx context.Context, itemID, contentHash string) (ProblemRecord, error) {
	if _, err := l.RegisterBatch(ctx, []Registration{{ItemID: itemID, ContentHash: contentHash}}); err != nil {
		return ProblemRecord{}, err
	}
	rec, _, err := l.Problem(ctx, itemID)
	return rec, err
}

// RegisterBatch registers every item in one transaction. Any provenance conflict
// aborts the whole batch.
func (l *Ledger) RegisterBatch(ctx context.Context, regs []Registration) (RegisterResult, error) {
	offered := make(map[string]string, len(regs))
	var order []string
	for _, r := range regs {
		if r.ItemID == "" || r.ContentHash == "" {
			return RegisterResult{}, fmt.Errorf("%w: item id and content hash are required", ErrInvalidInput)
		}
		if prev, ok := offered[r.ItemID]; ok {
			if prev != r.ContentHash {
				return RegisterResult{}, &ProvenanceError{ItemID: r.ItemID, Recorded: prev, Offered: r.ContentHash}
			}
			continue
		}
		offered[r.ItemID] = r.ContentHash
		order = append(order, r.ItemID)
	}

	var res RegisterResult
	err := l.retry.Do(ctx, func(int) error {
		res = RegisterResult{}
		seen, err := l.version(ctx)
		if err != nil {
			return err
		}
		var fresh []ProblemRecord
		for _, id := range order {
			existing, ok, err := l.Problem(ctx, id)
			if err != nil {
				return err
			}
			if ok {
				if existing.ContentHash != offered[id] {
					return &ProvenanceError{ItemID: id, Recorded: existing.ContentHash, Offered: offered[id]}
				}
				res.Existing++
				continue
			}
			rec := ProblemRecord{ItemID: id, ContentHash: offered[id], CreatedAt: l.now()}
			if l.classifier != nil {
				c, err := l.classifier.Classify(ctx, rec)
				if err != nil {
					l.logger.Warn(ctx, "classification failed, registering without family", logging.String("item_id", id), logging.Error(err))
				} else {
					rec.FamilyID, rec.Confidence = c.FamilyID, c.Confidence
				}
			}
			fresh = append(fresh, rec)
		}
		if len(fresh) == 0 {
			return nil
		}

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		if err := bumpVersion(ctx, tx, seen); err != nil {
			return err
		}
		for _, rec := range fresh {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO problems (item_id, content_hash, family_id, confidence, created_at) VALUES (?, ?, ?, ?, ?)`,
				rec.ItemID, rec.ContentHash, nullIfEmpty(rec.FamilyID), nullIfZero(rec), rec.CreatedAt.Format(time.RFC3339Nano),
			)
			if err != nil {
				return fmt.Errorf("insert problem %s: %w", rec.ItemID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		res.Added = len(fresh)
		return nil
	})
	if err != nil {
		return RegisterResult{}, err
	}
	l.logger.Debug(ctx, "registered problems", logging.Int("added", res.Added), logging.Int("existing", res.Existing))
	return res, nil
}

// #endregion register

// #region lock-holdout
// LockHoldout freezes the holdout set. Repeating the call with the same set is a
// no-op; any other set fails with ErrHoldoutLocked.
func (l *Ledger) LockHoldout(ctx context.Context, items []string) (HoldoutLock, error) {
	ids := canon.SortedUnique(items)
	if len(ids) == 0 {
		return HoldoutLock{}, ErrEmptyHoldout
	}
	hash := canon.SetHash(ids)

	var lock HoldoutLock
	err := l.retry.Do(ctx, func(int) error {
		seen, err := l.version(ctx)
		if err != nil {
			return err
		}
		existing, ok, err := l.holdoutLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			if existing.LockedHash != hash {
				return fmt.Errorf("%w: locked %s, offered %s", ErrHoldoutLocked, existing.LockedHash, hash)
			}
			lock = existing
			return nil
		}
		if err := l.requireRegistered(ctx, ids); err != nil {
			return err
		}

		now := l.now()
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		if err := bumpVersion(ctx, tx, seen); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO holdout_lock (id, locked_hash, item_count, locked_at) VALUES (1, ?, ?, ?)`,
			hash, len(ids), now.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert holdout lock: %w", err)
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `INSERT INTO holdout_items (item_id) VALUES (?)`, id); err != nil {
				return fmt.Errorf("insert holdout item %s: %w", id, err)
			}
		}
		err = logging.LogDecision(ctx, tx, logging.ProvenanceEntry{
			Split:        string(gate.SplitHoldout),
			TriggerType:  "lock_holdout",
			ProposalHash: hash,
			Decision:     "admit",
			Reason:       fmt.Sprintf("locked %d holdout items", len(ids)),
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		lock = HoldoutLock{LockedHash: hash, ItemCount: len(ids), LockedAt: now}
		return nil
	})
	if err != nil {
		return HoldoutLock{}, err
	}
	metrics.RecordLedgerDecision("lock_holdout", "admit")
	return lock, nil
}

// #endregion lock-holdout

// #region validate
// Validate checks a run's proposed items against the locked holdout set and, on
// success, admits them for later appends. Every decision is logged.
func (l *Ledger) Validate(ctx context.Context, runID string, items []string, split string) (Admission, error) {
	sp, err := gate.ParseSplit(split)
	if err != nil {
		return Admission{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ids := canon.SortedUnique(items)
	if runID == "" || len(ids) == 0 {
		return Admission{}, fmt.Errorf("%w: run id and at least one item are required", ErrInvalidInput)
	}
	proposalHash := canon.SetHash(ids)

	var adm Admission
	err = l.retry.Do(ctx, func(int) error {
		seen, err := l.version(ctx)
		if err != nil {
			return err
		}
		lock, ok, err := l.holdoutLock(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrHoldoutNotLocked
		}
		holdout, err := l.holdoutSet(ctx)
		if err != nil {
			return err
		}

		decision := l.guard.Evaluate(gate.Proposal{RunID: runID, Split: sp, Items: ids}, holdout)
		evidence, err := evidenceJSON(runID, sp, lock.LockedHash, decision)
		if err != nil {
			return err
		}
		entry := logging.ProvenanceEntry{
			RunID:        runID,
			Split:        string(sp),
			TriggerType:  "validate",
			ProposalHash: proposalHash,
			EvidenceJSON: evidence,
			Decision:     decision.Action,
			Reason:       decision.Reason,
			CreatedAt:    l.now(),
		}

		if decision.Vetoed {
			if err := logging.LogDecision(ctx, l.db, entry); err != nil {
				return err
			}
			if len(decision.Offending) > 0 {
				return &ContaminationError{RunID: runID, Split: sp, Items: decision.Offending}
			}
			return fmt.Errorf("%w: %s", ErrInvalidInput, decision.Reason)
		}
		// Holdout overlap is reported ahead of unknown items.
		if err := l.requireRegistered(ctx, ids); err != nil {
			return err
		}

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		if err := bumpVersion(ctx, tx, seen); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_admissions (run_id, split, proposal_hash, item_count, admitted_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, split) DO UPDATE SET proposal_hash = excluded.proposal_hash,
			 item_count = excluded.item_count, admitted_at = excluded.admitted_at`,
			runID, string(sp), proposalHash, len(ids), entry.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("upsert admission: %w", err)
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO admitted_items (run_id, split, item_id) VALUES (?, ?, ?)`, runID, string(sp), id,
			); err != nil {
				return fmt.Errorf("insert admitted item %s: %w", id, err)
			}
		}
		if err := logging.LogDecision(ctx, tx, entry); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		adm = Admission{RunID: runID, Split: sp, ProposalHash: proposalHash, ItemCount: len(ids), AdmittedAt: entry.CreatedAt}
		return nil
	})

	var ce *ContaminationError
	switch {
	case errors.As(err, &ce):
		metrics.RecordLedgerDecision("validate", "reject")
		l.logger.Warn(ctx, "contamination rejected", logging.String("run_id", runID), logging.String("split", string(sp)), logging.Int("offending", len(ce.Items)))
		return Admission{}, err
	case err != nil:
		return Admission{}, err
	}
	metrics.RecordLedgerDecision("validate", "admit")
	l.logger.Info(ctx, "run admitted", logging.String("run_id", runID), logging.String("split", string(sp)), logging.Int("items", adm.ItemCount))
	return adm, nil
}

func evidenceJSON(runID string, split gate.Split, holdoutHash string, d gate.Decision) (string, error) {
	rec := logging.ValidationRecord{
		RunID:       runID,
		Split:       string(split),
		ItemCount:   d.ItemCount,
		HoldoutHash: holdoutHash,
		Offending:   d.Offending,
		Action:      d.Action,
		Vetoed:      d.Vetoed,
		Reason:      d.Reason,
	}
	for _, v := range d.VetoSignals {
		rec.VetoTypes = append(rec.VetoTypes, string(v.Type))
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal evidence: %w", err)
	}
	return string(b), nil
}

// #endregion validate

// #region append
// Append records that runID used itemID under split. The item must have been
// admitted for that run and split by Validate.
func (l *Ledger) Append(ctx context.Context, itemID, runID, split string) (UsageRecord, error) {
	recs, err := l.AppendBatch(ctx, runID, split, []string{itemID})
	if err != nil {
		return UsageRecord{}, err
	}
	return recs[0], nil
}

// AppendBatch records several usages in one transaction, in the given order.
func (l *Ledger) AppendBatch(ctx context.Context, runID, split string, itemIDs []string) ([]UsageRecord, error) {
	sp, err := gate.ParseSplit(split)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if runID == "" || len(itemIDs) == 0 {
		return nil, fmt.Errorf("%w: run id and at least one item are required", ErrInvalidInput)
	}

	var out []UsageRecord
	err = l.retry.Do(ctx, func(int) error {
		out = out[:0]
		seen, err := l.version(ctx)
		if err != nil {
			return err
		}
		for _, id := range itemIDs {
			var one int
			err := l.db.QueryRowContext(ctx,
				`SELECT 1 FROM admitted_items WHERE run_id = ? AND split = ? AND item_id = ?`, runID, string(sp), id,
			).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: run %s split %s item %s", ErrRunNotAdmitted, runID, sp, id)
			}
			if err != nil {
				return fmt.Errorf("check admission: %w", err)
			}
		}

		now := l.now()
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		if err := bumpVersion(ctx, tx, seen); err != nil {
			return err
		}
		for _, id := range itemIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO usage_log (item_id, run_id, split, assigned_at) VALUES (?, ?, ?, ?)`,
				id, runID, string(sp), now.Format(time.RFC3339Nano),
			); err != nil {
				return fmt.Errorf("insert usage %s: %w", id, err)
			}
			out = append(out, UsageRecord{ItemID: id, RunID: runID, Split: sp, AssignedAt: now})
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion append

// #region reads
// Problem returns the registered record for itemID.
func (l *Ledger) Problem(ctx context.Context, itemID string) (ProblemRecord, bool, error) {
	var rec ProblemRecord
	var family sql.NullString
	var confidence sql.NullFloat64
	var createdAt string
	err := l.db.QueryRowContext(ctx,
		`SELECT item_id, content_hash, family_id, confidence, created_at FROM problems WHERE item_id = ?`, itemID,
	).Scan(&rec.ItemID, &rec.ContentHash, &family, &confidence, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProblemRecord{}, false, nil
	}
	if err != nil {
		return ProblemRecord{}, false, fmt.Errorf("query problem: %w", err)
	}
	rec.FamilyID, rec.Confidence = family.String, confidence.Float64
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return ProblemRecord{}, false, fmt.Errorf("parse created_at: %w", err)
	}
	return rec, true, nil
}

// Holdout returns the lock and the sorted holdout ids, or ErrHoldoutNotLocked.
func (l *Ledger) Holdout(ctx context.Context) (HoldoutLock, []string, error) {
	lock, ok, err := l.holdoutLock(ctx)
	if err != nil {
		return HoldoutLock{}, nil, err
	}
	if !ok {
		return HoldoutLock{}, nil, ErrHoldoutNotLocked
	}
	set, err := l.holdoutSet(ctx)
	if err != nil {
		return HoldoutLock{}, nil, err
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return lock, canon.SortedUnique(ids), nil
}

// Usage returns every usage record of a run in append order.
func (l *Ledger) Usage(ctx context.Context, runID string) ([]UsageRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT item_id, run_id, split, assigned_at FROM usage_log WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var split, assignedAt string
		if err := rows.Scan(&rec.ItemID, &rec.RunID, &split, &assignedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		rec.Split = gate.Split(split)
		rec.AssignedAt, _ = time.Parse(time.RFC3339Nano, assignedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return out, nil
}

// Admissions returns the admissions recorded for a run.
func (l *Ledger) Admissions(ctx context.Context, runID string) ([]Admission, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, split, proposal_hash, item_count, admitted_at FROM run_admissions WHERE run_id = ? ORDER BY split`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query admissions: %w", err)
	}
	defer rows.Close()

	var out []Admission
	for rows.Next() {
		var a Admission
		var split, at string
		if err := rows.Scan(&a.RunID, &split, &a.ProposalHash, &a.ItemCount, &at); err != nil {
			return nil, fmt.Errorf("scan admission: %w", err)
		}
		a.Split = gate.Split(split)
		a.AdmittedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admissions: %w", err)
	}
	return out, nil
}

// #endregion reads

// #region helpers
func (l *Ledger) version(ctx context.Context) (int64, error) {
	var v int64
	if err := l.db.QueryRowContext(ctx, `SELECT version FROM ledger_meta WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read ledger version: %w", err)
	}
	return v, nil
}

// bumpVersion advances the ledger version only if nobody else has since seen was read.
func bumpVersion(ctx context.Context, tx *sql.Tx, seen int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE ledger_meta SET version = version + 1 WHERE id = 1 AND version = ?`, seen)
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	if n == 0 {
		metrics.RecordLedgerConflict()
		return errVersionConflict
	}
	return nil
}

func (l *Ledger) holdoutLock(ctx context.Context) (HoldoutLock, bool, error) {
	var lock HoldoutLock
	var lockedAt string
	err := l.db.QueryRowContext(ctx, `SELECT locked_hash, item_count, locked_at FROM holdout_lock WHERE id = 1`).
		Scan(&lock.LockedHash, &lock.ItemCount, &lockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return HoldoutLock{}, false, nil
	}
	if err != nil {
		return HoldoutLock{}, false, fmt.Errorf("query holdout lock: %w", err)
	}
	lock.LockedAt, _ = time.Parse(time.RFC3339Nano, lockedAt)
	return lock, true, nil
}

func (l *Ledger) holdoutSet(ctx context.Context) (map[string]struct{}, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT item_id FROM holdout_items`)
	if err != nil {
		return nil, fmt.Errorf("query holdout items: %w", err)
	}
	defer rows.Close()
	set := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan holdout item: %w", err)
		}
		set[id] = struct{}{}
	}
	return set, rows.Err()
}

func (l *Ledger) requireRegistered(ctx context.Context, ids []string) error {
	var missing []string
	for _, id := range ids {
		_, ok, err := l.Problem(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &UnknownItemsError{Items: missing}
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, errVersionConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(rec ProblemRecord) interface{} {
	if rec.FamilyID == "" {
		return nil
	}
	return rec.Confidence
}

// #endregion helpers
