package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// StaticClassifier assigns families from a fixed item_id map. Unknown items get
// no family.
type StaticClassifier map[string]Classification

// Classify implements Classifier.
func (s StaticClassifier) Classify(_ context.Context, rec ProblemRecord) (Classification, error) {
	c, ok := s[rec.ItemID]
	if !ok {
		return Classification{}, nil
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return Classification{}, fmt.Errorf("confidence %v for %s outside [0,1]", c.Confidence, rec.ItemID)
	}
	return c, nil
}

// LoadStaticClassifier reads a YAML or JSON (by extension) map of item_id to
// {family_id, confidence}.
func LoadStaticClassifier(path string) (StaticClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classifier: %w", err)
	}
	out := StaticClassifier{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &out)
	} else {
		err = yaml.Unmarshal(data, &out)
	}
	if err != nil {
		return nil, fmt.Errorf("parse classifier %s: %w", path, err)
	}
	return out, nil
}
