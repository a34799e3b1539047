package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielpatrickdp/squiggle/internal/aggregate"
	"github.com/danielpatrickdp/squiggle/internal/replay"
)

// #region helpers
type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) result {
	t.Helper()
	var out, errb bytes.Buffer
	code := run(context.Background(), args, &out, &errb)
	return result{code: code, stdout: out.String(), stderr: errb.String()}
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SQUIGGLE_CONFIG", "")
	t.Setenv("SQUIGGLE_LOG_LEVEL", "error")
}

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// telemetryJSONL renders a level shift at step 200 for every run.
func telemetryJSONL(runs ...string) string {
	var b strings.Builder
	for ri, run := range runs {
		rng := rand.New(rand.NewPCG(uint64(ri+1), 11))
		for _, metric := range []string{"loss", "grad_norm"} {
			for i := range 400 {
				v := 0.0
				if i >= 200 {
					v = 5
				}
				v += (rng.Float64() - 0.5) * 0.2
				fmt.Fprintf(&b, `{"run_id":%q,"layer":"L3","metric":%q,"step":%d,"value":%v}`+"\n", run, metric, i, v)
			}
		}
	}
	return b.String()
}

// experiment writes a two-run plan with telemetry and probe summaries and
// returns the plan path.
func experiment(t *testing.T, probeSplit string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "telemetry.jsonl"), telemetryJSONL("run-1", "run-2"))
	writeFile(t, filepath.Join(dir, "probes.jsonl"),
		fmt.Sprintf(`{"run_id":"run-1","seed":1,"split":%q,"probe_id":"p1","metric":"acc","value":0.5,"step":399}`+"\n", probeSplit))
	return writeFile(t, filepath.Join(dir, "plan.yaml"), `
experiment_id: exp-cli
composite:
  - metric: loss
    weight: 1
  - metric: grad_norm
    weight: 1
cohorts:
  - id: c1
    runs:
      - run_id: run-1
        seed: 1
      - run_id: run-2
        seed: 2
sources:
  - telemetry.jsonl
probe_summaries:
  - probes.jsonl
`)
}

// #endregion helpers

// #region root-tests
func TestVersion(t *testing.T) {
	isolateEnv(t)
	SetVersionInfo("1.2.3", "abc", "today")
	t.Cleanup(func() { SetVersionInfo("dev", "none", "unknown") })

	r := runCLI(t, "version")
	if r.code != 0 || !strings.Contains(r.stdout, "squiggle 1.2.3 (commit: abc") {
		t.Fatalf("unexpected version output: %+v", r)
	}
}

func TestUnknownCommandExitsTwo(t *testing.T) {
	isolateEnv(t)
	if r := runCLI(t, "no-such-command"); r.code != 2 {
		t.Fatalf("expected exit 2, got %+v", r)
	}
}

func TestInvalidConfigExitsTwo(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SQUIGGLE_WORKERS", "0")
	r := runCLI(t, "inspect", "holdout", "--ledger", filepath.Join(t.TempDir(), "l.db"))
	if r.code != 2 || !strings.Contains(r.stderr, "invalid config") {
		t.Fatalf("expected config error, got %+v", r)
	}
}

func TestMetricsOut(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "squiggle.prom")
	if r := runCLI(t, "version", "--metrics-out", path); r.code != 0 {
		t.Fatalf("version: %+v", r)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(data), "squiggle_") {
		t.Fatalf("metrics textfile has no squiggle metrics:\n%s", data)
	}
}

// #endregion root-tests

// #region ledger-tests
func TestLedgerWorkflow(t *testing.T) {
	isolateEnv(t)
	db := filepath.Join(t.TempDir(), "ledger.db")
	items := writeFile(t, filepath.Join(t.TempDir(), "items.txt"), "# proposal\nP1\n\nP2\n")

	for _, id := range []string{"P1", "P2", "H1"} {
		if r := runCLI(t, "register", "--ledger", db, "--item-id", id, "--content-hash", "hash-"+id); r.code != 0 {
			t.Fatalf("register %s: %+v", id, r)
		}
	}
	if r := runCLI(t, "register", "--ledger", db, "--item-id", "P1", "--content-hash", "other"); r.code != 1 {
		t.Fatalf("provenance conflict should exit 1, got %+v", r)
	}
	if r := runCLI(t, "lock-holdout", "--ledger", db, "H1"); r.code != 0 {
		t.Fatalf("lock-holdout: %+v", r)
	}
	if r := runCLI(t, "lock-holdout", "--ledger", db, "H1", "P1"); r.code != 1 {
		t.Fatalf("relock with a different set should exit 1, got %+v", r)
	}

	r := runCLI(t, "validate-contamination", "--ledger", db, "--run-id", "run-1", "--split", "train", "P1", "H1")
	if r.code != 1 {
		t.Fatalf("contaminated proposal should exit 1, got %+v", r)
	}
	if lines := strings.Split(r.stderr, "\n"); lines[0] != "H1" {
		t.Fatalf("offending id should lead stderr, got %q", r.stderr)
	}

	r = runCLI(t, "validate-contamination", "--ledger", db, "--run-id", "run-2", "--split", "train", "H1", "T3")
	if r.code != 1 || strings.Split(r.stderr, "\n")[0] != "H1" {
		t.Fatalf("holdout hit with an unregistered item should exit 1 naming H1, got %+v", r)
	}

	if r := runCLI(t, "append-usage", "--ledger", db, "--run-id", "run-1", "--split", "train", "P1"); r.code != 1 {
		t.Fatalf("append before admission should exit 1, got %+v", r)
	}
	if r := runCLI(t, "validate-contamination", "--ledger", db, "--run-id", "run-1", "--split", "train", "--items-file", items); r.code != 0 {
		t.Fatalf("clean proposal: %+v", r)
	}
	if r := runCLI(t, "append-usage", "--ledger", db, "--run-id", "run-1", "--split", "train", "--items-file", items); r.code != 0 {
		t.Fatalf("append-usage: %+v", r)
	}

	r = runCLI(t, "inspect", "usage", "--ledger", db, "--run-id", "run-1")
	if r.code != 0 || !strings.Contains(r.stdout, "P1") || !strings.Contains(r.stdout, "P2") {
		t.Fatalf("inspect usage: %+v", r)
	}
	r = runCLI(t, "inspect", "decisions", "--ledger", db, "--run-id", "run-1")
	if r.code != 0 || !strings.Contains(r.stdout, "reject") || !strings.Contains(r.stdout, "admit") {
		t.Fatalf("inspect decisions: %+v", r)
	}
	r = runCLI(t, "inspect", "holdout", "--ledger", db)
	if r.code != 0 || !strings.Contains(r.stdout, "1 items") {
		t.Fatalf("inspect holdout: %+v", r)
	}
}

func TestValidateWithoutLockExitsTwo(t *testing.T) {
	isolateEnv(t)
	db := filepath.Join(t.TempDir(), "ledger.db")
	if r := runCLI(t, "register", "--ledger", db, "--item-id", "P1", "--content-hash", "h"); r.code != 0 {
		t.Fatalf("register: %+v", r)
	}
	r := runCLI(t, "validate-contamination", "--ledger", db, "--run-id", "run-1", "--split", "train", "P1")
	if r.code != 2 || !strings.Contains(r.stderr, "not locked") {
		t.Fatalf("expected exit 2 without a holdout lock, got %+v", r)
	}
}

func TestRegisterWithClassifier(t *testing.T) {
	isolateEnv(t)
	db := filepath.Join(t.TempDir(), "ledger.db")
	cls := writeFile(t, filepath.Join(t.TempDir(), "families.yaml"), "P1:\n  family_id: fam-a\n  confidence: 0.9\n")
	r := runCLI(t, "register", "--ledger", db, "--item-id", "P1", "--content-hash", "h", "--classifier", cls)
	if r.code != 0 || !strings.Contains(r.stdout, "family fam-a") {
		t.Fatalf("register with classifier: %+v", r)
	}
}

// #endregion ledger-tests

// #region aggregate-tests
func TestAggregate_WritesManifest(t *testing.T) {
	isolateEnv(t)
	plan := experiment(t, "probe_fixed")
	out := t.TempDir()

	r := runCLI(t, "aggregate", "--plan", plan, "--out", out, "--json")
	if r.code != 0 {
		t.Fatalf("aggregate: %+v", r)
	}
	var m aggregate.Manifest
	if err := json.Unmarshal([]byte(r.stdout), &m); err != nil {
		t.Fatalf("stdout is not a manifest: %v\n%s", err, r.stdout)
	}
	if m.ExperimentID != "exp-cli" || m.RowCounts[aggregate.ProbeSummariesTable] != 1 || m.RowCounts[aggregate.EventsTable] == 0 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if _, ok := m.SourceContentHashes["telemetry.jsonl"]; !ok {
		t.Fatalf("telemetry source not fingerprinted: %v", m.SourceContentHashes)
	}

	r = runCLI(t, "inspect", "manifest", filepath.Join(out, "exp-cli"))
	if r.code != 0 || !strings.Contains(r.stdout, m.AnalysisIDHash) {
		t.Fatalf("inspect manifest: %+v", r)
	}
	if r := runCLI(t, "inspect", "verify", filepath.Join(out, "exp-cli")); r.code != 0 || !strings.Contains(r.stdout, "all checks passed") {
		t.Fatalf("inspect verify: %+v", r)
	}

	// identical inputs reproduce the same analysis hash
	r = runCLI(t, "aggregate", "--plan", plan, "--out", out, "--json")
	var again aggregate.Manifest
	if err := json.Unmarshal([]byte(r.stdout), &again); err != nil || again.AnalysisIDHash != m.AnalysisIDHash {
		t.Fatalf("rerun changed the analysis hash: %v %+v", err, r)
	}
}

func TestAggregate_SchemaErrorExitsTwo(t *testing.T) {
	isolateEnv(t)
	plan := experiment(t, "not-a-split")
	out := t.TempDir()

	r := runCLI(t, "aggregate", "--plan", plan, "--out", out)
	if r.code != 2 || !strings.Contains(r.stderr, "split") {
		t.Fatalf("expected schema error exit 2, got %+v", r)
	}
	if _, err := aggregate.ReadManifest(filepath.Join(out, "exp-cli")); err == nil {
		t.Fatal("no manifest should be written for a schema violation")
	}
}

func TestAggregate_MissingPlanExitsTwo(t *testing.T) {
	isolateEnv(t)
	if r := runCLI(t, "aggregate", "--plan", filepath.Join(t.TempDir(), "nope.yaml")); r.code != 2 {
		t.Fatalf("expected exit 2, got %+v", r)
	}
}

// #endregion aggregate-tests

// #region replay-tests
func TestReplay_RecordThenMatch(t *testing.T) {
	isolateEnv(t)
	plan := experiment(t, "probe_fixed")
	tel := filepath.Join(filepath.Dir(plan), "telemetry.jsonl")
	fixture := filepath.Join(t.TempDir(), "fixture.json")

	r := runCLI(t, "replay", "--record", "--fixture", fixture, "--telemetry", tel, "--plan", plan, "--description", "two runs")
	if r.code != 0 {
		t.Fatalf("record: %+v", r)
	}
	f, err := replay.LoadFixture(fixture)
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	if len(f.ExpectedResults) == 0 || len(f.Composite) != 2 {
		t.Fatalf("fixture has no events or lost its composite: %d events, %v", len(f.ExpectedResults), f.Composite)
	}

	if r := runCLI(t, "replay", "--fixture", fixture); r.code != 0 {
		t.Fatalf("replay of a fresh recording should match: %+v", r)
	}

	f.ExpectedResults[0].DIS += 1e-12
	if err := replay.WriteFixture(fixture, f); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	r = runCLI(t, "replay", "--fixture", fixture)
	if r.code != 1 || !strings.Contains(r.stdout, "DIFF") {
		t.Fatalf("drifted fixture should exit 1, got %+v", r)
	}
}

func TestReplay_MissingFixtureExitsTwo(t *testing.T) {
	isolateEnv(t)
	if r := runCLI(t, "replay", "--fixture", filepath.Join(t.TempDir(), "missing.json")); r.code != 2 {
		t.Fatalf("expected exit 2, got %+v", r)
	}
}

// #endregion replay-tests
