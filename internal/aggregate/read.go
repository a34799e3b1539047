package aggregate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadProbeSummaries reads a probe summary JSONL file. Blank lines are skipped.
func LoadProbeSummaries(path string) ([]ProbeSummary, error) {
	return readJSONL[ProbeSummary](path)
}

// ReadEvents reads the events table of an experiment directory.
func ReadEvents(dir string) ([]EventRow, error) {
	return readJSONL[EventRow](filepath.Join(dir, EventsTable+".jsonl"))
}

func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var row T
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		out = append(out, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}
