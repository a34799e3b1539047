// Package slice imports candidate-pool slices: a manifest.json describing an
// items.jsonl file whose bytes and per-item content hashes are verified before
// the items are registered in the usage ledger.
package slice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/danielpatrickdp/squiggle/internal/canon"
	"github.com/danielpatrickdp/squiggle/internal/ledger"
)

// SchemaVersion is the only manifest schema this package reads.
const SchemaVersion = "candidate_pool_slice@0.1"

// #region types
// Manifest is the slice's manifest.json. Unread keys are ignored.
type Manifest struct {
	SchemaVersion string     `json:"schema_version" validate:"required"`
	SliceID       string     `json:"slice_id" validate:"required"`
	CreatedAtUTC  string     `json:"created_at_utc"`
	Source        SourceInfo `json:"source"`
	Counts        struct {
		Items int `json:"items" validate:"gte=0"`
	} `json:"counts"`
	Files struct {
		ItemsJSONL FileRef `json:"items_jsonl" validate:"required"`
	} `json:"files"`
}

// SourceInfo describes where the slice was drawn from.
type SourceInfo struct {
	Dataset  string  `json:"dataset"`
	Split    string  `json:"split"`
	Revision *string `json:"revision"`
	Method   string  `json:"method"`
	Seed     int64   `json:"seed"`
	N        int     `json:"n"`
}

// FileRef names a slice file and the sha256 of its exact bytes.
type FileRef struct {
	Path   string `json:"path" validate:"required"`
	SHA256 string `json:"sha256" validate:"required,len=64,hexadecimal"`
}

// Item is one line of items.jsonl. Content is kept raw so its canonical hash
// can be recomputed.
type Item struct {
	ItemID string `json:"item_id"`
	Source struct {
		Dataset  string `json:"dataset"`
		Split    string `json:"split"`
		SourceID string `json:"source_id"`
	} `json:"source"`
	Content json.RawMessage `json:"content"`
	Hashes  struct {
		ContentSHA256 string `json:"content_sha256"`
	} `json:"hashes"`
}

// Slice is a verified slice.
type Slice struct {
	Dir      string
	Manifest Manifest
	Items    []Item
}

// #endregion types

// #region errors
var (
	ErrSchemaVersion = errors.New("unsupported slice schema version")
	ErrFileHash      = errors.New("items file hash mismatch")
	ErrItemCount     = errors.New("item count mismatch")
	ErrBadItem       = errors.New("malformed slice item")
)

// ItemHashError reports an item whose content does not match its recorded hash.
type ItemHashError struct {
	ItemID   string
	Recorded string
	Computed string
}

func (e *ItemHashError) Error() string {
	return fmt.Sprintf("item %s: content hash %s, recorded %s", e.ItemID, e.Computed, e.Recorded)
}

// #endregion errors

// #region load
var manifestValidate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and verifies the slice in dir.
func Load(dir string) (*Slice, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read slice manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse slice manifest: %w", err)
	}
	if m.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: %q", ErrSchemaVersion, m.SchemaVersion)
	}
	if err := manifestValidate.Struct(m); err != nil {
		return nil, fmt.Errorf("invalid slice manifest %s: %w", m.SliceID, err)
	}

	ref := m.Files.ItemsJSONL
	if filepath.IsAbs(ref.Path) || strings.Contains(ref.Path, "..") {
		return nil, fmt.Errorf("%w: items path %q escapes the slice", ErrBadItem, ref.Path)
	}
	data, err := os.ReadFile(filepath.Join(dir, ref.Path))
	if err != nil {
		return nil, fmt.Errorf("read slice items: %w", err)
	}
	if got := canon.SHA256Hex(data); got != strings.ToLower(ref.SHA256) {
		return nil, fmt.Errorf("%w: %s has %s, manifest says %s", ErrFileHash, ref.Path, got, ref.SHA256)
	}

	items, err := parseItems(data)
	if err != nil {
		return nil, err
	}
	if len(items) != m.Counts.Items {
		return nil, fmt.Errorf("%w: manifest says %d, file has %d", ErrItemCount, m.Counts.Items, len(items))
	}
	return &Slice{Dir: dir, Manifest: m, Items: items}, nil
}

func parseItems(data []byte) ([]Item, error) {
	var items []Item
	seen := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var it Item
		if err := json.Unmarshal(text, &it); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadItem, line, err)
		}
		if err := checkItem(it); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if seen[it.ItemID] {
			return nil, fmt.Errorf("%w: line %d: duplicate item %s", ErrBadItem, line, it.ItemID)
		}
		seen[it.ItemID] = true
		items = append(items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan slice items: %w", err)
	}
	return items, nil
}

// checkItem verifies the id shape and the content hash of one item.
func checkItem(it Item) error {
	if it.ItemID == "" || len(it.Content) == 0 || string(it.Content) == "null" {
		return fmt.Errorf("%w: item %q needs an id and content", ErrBadItem, it.ItemID)
	}
	if it.Source.SourceID != "" {
		suffix := ":" + it.Source.Split + ":" + it.Source.SourceID
		if !strings.HasSuffix(it.ItemID, suffix) {
			return fmt.Errorf("%w: item id %s does not end with %s", ErrBadItem, it.ItemID, suffix)
		}
	}
	computed, err := canon.HashJSON(it.Content)
	if err != nil {
		return fmt.Errorf("%w: item %s: %v", ErrBadItem, it.ItemID, err)
	}
	if computed != strings.ToLower(it.Hashes.ContentSHA256) {
		return &ItemHashError{ItemID: it.ItemID, Recorded: it.Hashes.ContentSHA256, Computed: computed}
	}
	return nil
}

// #endregion load

// #region register
// Registrar is the part of the ledger a slice import needs.
type Registrar interface {
	RegisterBatch(ctx context.Context, regs []ledger.Registration) (ledger.RegisterResult, error)
}

// Registrations returns one registration per item, in file order.
func (s *Slice) Registrations() []ledger.Registration {
	out := make([]ledger.Registration, len(s.Items))
	for i, it := range s.Items {
		out[i] = ledger.Registration{ItemID: it.ItemID, ContentHash: it.Hashes.ContentSHA256}
	}
	return out
}

// ItemIDs returns the item ids in file order.
func (s *Slice) ItemIDs() []string {
	out := make([]string, len(s.Items))
	for i, it := range s.Items {
		out[i] = it.ItemID
	}
	return out
}

// Register records every item of the slice in one batch.
func (s *Slice) Register(ctx context.Context, r Registrar) (ledger.RegisterResult, error) {
	res, err := r.RegisterBatch(ctx, s.Registrations())
	if err != nil {
		return ledger.RegisterResult{}, fmt.Errorf("register slice %s: %w", s.Manifest.SliceID, err)
	}
	return res, nil
}

// #endregion register
