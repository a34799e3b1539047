package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/squiggle/internal/canon"
	"github.com/danielpatrickdp/squiggle/internal/gate"
	"github.com/danielpatrickdp/squiggle/internal/logging"
	"github.com/danielpatrickdp/squiggle/internal/retry"
)

// #region helpers
func openTest(t *testing.T, opts ...Option) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return fixed }), WithLogger(logging.Nop())}, opts...)
	l, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func registerAll(t *testing.T, l *Ledger, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := l.Register(context.Background(), id, "hash-"+id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
}

// #endregion helpers

// #region open-tests
func TestOpen_RejectsMemoryPath(t *testing.T) {
	if _, err := Open(":memory:"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := Open(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty path, got %v", err)
	}
}

func TestOpen_ReopenKeepsState(t *testing.T) {
	l, path := openTest(t)
	registerAll(t, l, "P1")
	l.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	rec, ok, err := l2.Problem(context.Background(), "P1")
	if err != nil || !ok {
		t.Fatalf("expected P1 after reopen, ok=%v err=%v", ok, err)
	}
	if rec.ContentHash != "hash-P1" {
		t.Fatalf("expected hash-P1, got %s", rec.ContentHash)
	}
}

// #endregion open-tests

// #region register-tests
func TestRegister_Idempotent(t *testing.T) {
	l, _ := openTest(t)
	ctx := context.Background()

	first, err := l.Register(ctx, "P1", "abc")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := l.Register(ctx, "P1", "abc")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical records, got %+v and %+v", first, second)
	}
}

func TestRegister_ProvenanceConflict(t *testing.T) {
	l, _ := openTest(t)
	ctx := context.Background()

	if _, err := l.Register(ctx, "P1", "abc"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := l.Register(ctx, "P1", "def")
	var pe *ProvenanceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProvenanceError, got %v", err)
	}
	if pe.Recorded != "abc" || pe.Offered != "def" {
		t.Fatalf("unexpected provenance error: %+v", pe)
	}
	rec, _, _ := l.Problem(ctx, "P1")
	if rec.ContentHash != "abc" {
		t.Fatalf("recorded hash must not change, got %s", rec.ContentHash)
	}
}

func TestRegisterBatch_AbortsOnConflict(t *testing.T) {
	l, _ := openTest(t)
	ctx := context.Background()
	registerAll(t, l, "P1")

	_, err := l.RegisterBatch(ctx, []Registration{
		{ItemID: "P2", ContentHash: "hash-P2"},
		{ItemID: "P1", ContentHash: "other"},
	})
	var pe *ProvenanceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProvenanceError, got %v", err)
	}
	if _, ok, _ := l.Problem(ctx, "P2"); ok {
		t.Fatal("P2 must not be registered when the batch aborts")
	}
}

func TestRegisterBatch_Counts(t *testing.T) {
	l, _ := openTest(t)
	registerAll(t, l, "P1")

	res, err := l.RegisterBatch(context.Background(), []Registration{
		{ItemID: "P1", ContentHash: "hash-P1"},
		{ItemID: "P2", ContentHash: "hash-P2"},
		{ItemID: "P2", ContentHash: "hash-P2"},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.Added != 1 || res.Existing != 1 {
		t.Fatalf("expected 1 added 1 existing, got %+v", res)
	}
}

func TestRegister_UsesClassifier(t *testing.T) {
	cls := StaticClassifier{"P1": {FamilyID: "fam-a", Confidence: 0.9}}
	l, _ := openTest(t, WithClassifier(cls))

	rec, err := l.Register(context.Background(), "P1", "abc")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.FamilyID != "fam-a" || rec.Confidence != 0.9 {
		t.Fatalf("expected classified record, got %+v", rec)
	}
	rec2, err := l.Register(context.Background(), "P2", "def")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec2.FamilyID != "" {
		t.Fatalf("unclassified item should have no family, got %q", rec2.FamilyID)
	}
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, ProblemRecord) (Classification, error) {
	return Classification{}, errors.New("classifier offline")
}

func TestRegister_ClassifierFailureStillRegisters(t *testing.T) {
	l, _ := openTest(t, WithClassifier(failingClassifier{}))
	rec, err := l.Register(context.Background(), "P1", "abc")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.FamilyID != "" {
		t.Fatalf("expected no family, got %q", rec.FamilyID)
	}
}

func TestRegister_RejectsEmpty(t *testing.T) {
	l, _ := openTest(t)
	if _, err := l.Register(context.Background(), "", "abc"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

// #endregion register-tests

// #region holdout-tests
func TestLockHoldout_RepeatRules(t *testing.T) {
	l, _ := openTest(t)
	ctx := context.Background()
	registerAll(t, l, "H1", "H2", "H3")

	lock, err := l.LockHoldout(ctx, []string{"H2", "H1"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if lock.ItemCount != 2 || lock.LockedHash != canon.SetHash([]string{"H1", "H2"}) {
		t.Fatalf("unexpected lock: %+v", lock)
	}

	again, err := l.LockHoldout(ctx, []string{"H1", "H2", "H1"})
	if err != nil {
		t.Fatalf("identical relock should be a no-op: %v", err)
	}
	if again.LockedHash != lock.LockedHash {
		t.Fatalf("relock changed hash")
	}

	if _, err := l.LockHoldout(ctx, []string{"H1", "H3"}); !errors.Is(err, ErrHoldoutLocked) {
		t.Fatalf("expected ErrHoldoutLocked, got %v", err)
	}

	_, ids, err := l.Holdout(ctx)
	if err != nil {
		t.Fatalf("holdout: %v", err)
	}
	if fmt.Sprint(ids) != "[H1 H2]" {
		t.Fatalf("expected [H1 H2], got %v", ids)
	}
}

func TestLockHoldout_Errors(t *testing.T) {
	l, _ := openTest(t)
	ctx := context.Background()

	if _, err := l.LockHoldout(ctx, nil); !errors.Is(err, ErrEmptyHoldout) {
		t.Fatalf("expected ErrEmptyHoldout, got %v", err)
	}
	_, err := l.LockHoldout(ctx, []string{"ghost"})
	var ue *UnknownItemsError
	if !errors.As(err, &ue) || len(ue.Items) != 1 || ue.Items[0] != "ghost" {
		t.Fatalf("expected UnknownItemsError for ghost, got %v", err)
	}
	if _, _, err := l.Holdout(ctx); !errors.Is(err, ErrHoldoutNotLocked) {
		t.Fatalf("expected ErrHoldoutNotLocked, got %v", err)
	}
}

// #endregion holdout-tests

// #region validate-tests
func TestValidate_Contamination(t *testing.T) {
	l, _ := openTest(t)
	ctx := context.Background()
	registerAll(t, l, "H1", "H2", "P1", "P2")
	if _, err := l.LockHoldout(ctx, []string{"H1", "H2"}); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err := l.Validate(ctx, "run-7", []string{"P1", "H2", "H1"}, "train")
	var ce *ContaminationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ContaminationError, got %v", err)
	}
	if fmt.Sprint(ce.Items) != "[H1 H2]" {
		t.Fatalf("expected [H1 H2], got %v", ce.Items)
	}

	entries, err := logging.ListDecisions(ctx, l.DB(), "run-7", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Decision != "reject" {
		t.Fatalf("expected one reject entry, got %+v", entries)
	}

	if _, err := l.Append(ctx, "P1", "run-7", "train"); !errors.Is(err, ErrRunNotAdmitted) {
		t.Fatalf("append after reject should fail, got %v", err)
	}
}

func TestValidate_ContaminationBeforeUnknownItems(t *testing.T) {
	l, _ := openTest(t)
	ctx := context.Background()
	registerAll(t, l, "H1", "H2")
	if _, err := l.LockHoldout(ctx, []string{"H1", "H2"}); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err := l.Validate(ctx, "run-1", []string{"H1", "T3"}, "train")
	var ce *ContaminationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ContaminationError, got %v", err)
	}
	if fmt.Sprint(ce.Items) != "[H1]" {
		t.Fatalf("expected [H1], got %v", ce.Items)
	}
}

func TestValidate_AdmitThenAppend(t *testing.T) {
	l, _ := openTest(t)
	ctx := context.Background()
	registerAll(t, l, "H1", "P1", "P2", "P3")
	if _, err := l.LockHoldout(ctx, []string{"H1"}); err != nil {
		t.Fatalf("lock: %v", err)
	}

	adm, err := l.Validate(ctx, "run-1", []string{"P2", "P1"}, "probe_fixed")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if adm.ItemCount != 2 || adm.Split != gate.SplitProbeFixed {
		t.Fatalf("unexpected admission: %+v", adm)
	}

	recs, err := l.AppendBatch(ctx, "run-1", "probe_fixed", []string{"P1", "P2", "P1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 usage records, got %d", len(recs))
	}

	if _, err := l.Append(ctx, "P3", "run-1", "probe_fixed"); !errors.Is(err, ErrRunNotAdmitted) {
		t.Fatalf("unadmitted item should fail, got %v", err)
	}
	if _, err := l.Append(ctx, "P1", "run-1", "train"); !errors.Is(err, ErrRunNotAdmitted) {
		t.Fatalf("other split should fail, got %v", err)
	}

	usage, err := l.Usage(ctx, "run-1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(usage) != 3 || usage[0].ItemID != "P1" || usage[1].ItemID != "P2" {
		t.Fatalf("unexpected usage order: %+v", usage)
	}

	adms, err := l.Admissions(ctx, "run-1")
	if err != nil || len(adms) != 1 {
		t.Fatalf("expected one admission, got %v (err %v)", adms, err)
	}
}

func TestValidate_HoldoutSplitMayUseHoldout(t *testing.T) {
	l, _ := openTest(t)
	ctx := context.Background()
	registerAll(t, l, "H1")
	if _, err := l.LockHoldout(ctx, []string{"H1"}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := l.Validate(ctx, "eval-1", []string{"H1"}, "holdout"); err != nil {
		t.Fatalf("holdout split should be admitted: %v", err)
	}
}

func TestValidate_Preconditions(t *testing.T) {
	l, _ := openTest(t)
	ctx := context.Background()
	registerAll(t, l, "P1")

	if _, err := l.Validate(ctx, "run-1", []string{"P1"}, "train"); !errors.Is(err, ErrHoldoutNotLocked) {
		t.Fatalf("expected ErrHoldoutNotLocked, got %v", err)
	}
	if _, err := l.Validate(ctx, "run-1", []string{"P1"}, "validation"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for split, got %v", err)
	}
	if _, err := l.Validate(ctx, "run-1", nil, "train"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty proposal, got %v", err)
	}

	if _, err := l.LockHoldout(ctx, []string{"P1"}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	var ue *UnknownItemsError
	if _, err := l.Validate(ctx, "run-1", []string{"nope"}, "train"); !errors.As(err, &ue) {
		t.Fatalf("expected UnknownItemsError, got %v", err)
	}
}

// #endregion validate-tests

// #region immutability-tests
func TestTriggers_ForbidMutation(t *testing.T) {
	l, _ := openTest(t)
	ctx := context.Background()
	registerAll(t, l, "H1", "P1")
	if _, err := l.LockHoldout(ctx, []string{"H1"}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := l.Validate(ctx, "run-1", []string{"P1"}, "train"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := l.Append(ctx, "P1", "run-1", "train"); err != nil {
		t.Fatalf("append: %v", err)
	}

	stmts := []string{
		`UPDATE usage_log SET split = 'holdout'`,
		`DELETE FROM usage_log`,
		`UPDATE problems SET content_hash = 'x'`,
		`DELETE FROM problems WHERE item_id = 'P1'`,
		`UPDATE holdout_lock SET locked_hash = 'x'`,
		`DELETE FROM holdout_lock`,
		`DELETE FROM holdout_items`,
		`UPDATE provenance_log SET decision = 'reject'`,
		`DELETE FROM provenance_log`,
	}
	for _, stmt := range stmts {
		if _, err := l.DB().ExecContext(ctx, stmt); err == nil {
			t.Fatalf("expected %q to be rejected", stmt)
		}
	}
}

// #endregion immutability-tests

// #region concurrency-tests
func TestConcurrentWriters(t *testing.T) {
	l, path := openTest(t)
	ctx := context.Background()
	registerAll(t, l, "H1", "P1", "P2", "P3", "P4")
	if _, err := l.LockHoldout(ctx, []string{"H1"}); err != nil {
		t.Fatalf("lock: %v", err)
	}

	policy := retry.Policy{MaxAttempts: 50, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond}
	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := Open(path, WithRetryPolicy(policy), WithLogger(logging.Nop()))
			if err != nil {
				errs <- err
				return
			}
			defer w.Close()
			runID := fmt.Sprintf("run-%d", i)
			item := fmt.Sprintf("P%d", i+1)
			if _, err := w.Validate(ctx, runID, []string{item}, "train"); err != nil {
				errs <- fmt.Errorf("validate %s: %w", runID, err)
				return
			}
			if _, err := w.Append(ctx, item, runID, "train"); err != nil {
				errs <- fmt.Errorf("append %s: %w", runID, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	var n int
	if err := l.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_log`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != writers {
		t.Fatalf("expected %d usage rows, got %d", writers, n)
	}
}

// #endregion concurrency-tests

// #region classifier-tests
func TestLoadStaticClassifier(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "families.yaml")
	body := "P1:\n  family_id: fam-a\n  confidence: 0.75\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cls, err := LoadStaticClassifier(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c, err := cls.Classify(context.Background(), ProblemRecord{ItemID: "P1"})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if c.FamilyID != "fam-a" || c.Confidence != 0.75 {
		t.Fatalf("unexpected classification: %+v", c)
	}

	bad := StaticClassifier{"P2": {FamilyID: "x", Confidence: 1.5}}
	if _, err := bad.Classify(context.Background(), ProblemRecord{ItemID: "P2"}); err == nil {
		t.Fatal("expected confidence range error")
	}
}

// #endregion classifier-tests
