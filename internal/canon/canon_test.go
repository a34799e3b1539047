package canon

import (
	"testing"
)

func TestJSONSortsKeysWithoutEscaping(t *testing.T) {
	got, err := JSON(map[string]any{"problem": "a<b & c", "final_answer": nil})
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	want := `{"final_answer":null,"problem":"a<b & c"}` + "\n"
	if string(got) != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestJSONKeepsLineSeparatorsRaw(t *testing.T) {
	got, err := JSON(map[string]any{"problem": "a\u2028b<&>\u2029", "final_answer": nil})
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	want := "{\"final_answer\":null,\"problem\":\"a\u2028b<&>\u2029\"}\n"
	if string(got) != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	// sha256 of the same object written with sorted keys, compact separators and raw non-ASCII.
	if h := SHA256Hex(got); h != "c887ea52c1e359b5ae1e4942abc9816652334ea230b3a075a973c8d3ea370fac" {
		t.Fatalf("unexpected hash %s", h)
	}
}

func TestJSONEscapedBackslashBeforeU2028(t *testing.T) {
	got, err := JSON(map[string]any{"p": `x\u2028`})
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if want := `{"p":"x\\u2028"}` + "\n"; string(got) != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestJSONStructFieldsSorted(t *testing.T) {
	type row struct {
		Zeta  int     `json:"zeta"`
		Alpha float64 `json:"alpha"`
	}
	got, err := JSON(row{Zeta: 3, Alpha: 0.432})
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if string(got) != `{"alpha":0.432,"zeta":3}`+"\n" {
		t.Fatalf("unexpected encoding %q", got)
	}
}

func TestSHA256HexEmpty(t *testing.T) {
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := SHA256Hex(nil); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestSetHashOrderInsensitive(t *testing.T) {
	a := SetHash([]string{"H2", "H1", "H1"})
	b := SetHash([]string{"H1", "H2"})
	if a != b {
		t.Fatalf("expected equal hashes, got %s and %s", a, b)
	}
	if a == SetHash([]string{"H1"}) {
		t.Fatal("expected different sets to hash differently")
	}
}

func TestSortedUniqueDropsEmpty(t *testing.T) {
	got := SortedUnique([]string{"b", "", "a", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected result %v", got)
	}
}
