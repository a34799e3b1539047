//go:build unix

package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAggregate_WriteConflictExitsOne(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SQUIGGLE_WRITER__LOCK_ATTEMPTS", "2")
	t.Setenv("SQUIGGLE_WRITER__LOCK_BASE_DELAY_MS", "1")
	t.Setenv("SQUIGGLE_WRITER__LOCK_MAX_DELAY_MS", "1")
	plan := experiment(t, "probe_fixed")
	out := t.TempDir()

	dir := filepath.Join(out, "exp-cli")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, ".aggregate.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open lock: %v", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		t.Fatalf("hold lock: %v", err)
	}

	r := runCLI(t, "aggregate", "--plan", plan, "--out", out)
	if r.code != 1 || !strings.Contains(r.stderr, "write conflict") {
		t.Fatalf("expected write conflict exit 1, got %+v", r)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if r := runCLI(t, "aggregate", "--plan", plan, "--out", out); r.code != 0 {
		t.Fatalf("aggregate after unlock: %+v", r)
	}
}
