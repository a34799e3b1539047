package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestInit_JSONIncludesFieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(&buf, "json"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer SetLevelString("info")
	if err := SetLevelString("debug"); err != nil {
		t.Fatal(err)
	}

	Named("detect").Debug(context.Background(), "scanned", String("run_id", "r1"), Int("events", 3))

	out := buf.String()
	for _, want := range []string{`"msg":"scanned"`, `"run_id":"r1"`, `"events":3`, `"component":"detect"`, `"source":`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}

func TestSetLevelString_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(&buf, "text"); err != nil {
		t.Fatal(err)
	}
	defer SetLevelString("info")
	if err := SetLevelString("warn"); err != nil {
		t.Fatal(err)
	}
	Get().Info(context.Background(), "hidden")
	Get().Warn(context.Background(), "shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestSetLevelString_Unknown(t *testing.T) {
	if err := SetLevelString("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestInit_UnknownFormat(t *testing.T) {
	if err := Init(&bytes.Buffer{}, "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNop_Discards(t *testing.T) {
	Nop().Error(context.Background(), "ignored", Error(nil))
}
