package main

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ActionBinding is the pair of remote action paths bound to a combo.
// Either path may be empty.
type ActionBinding struct {
	Press   string `yaml:"press,omitempty"`
	Release string `yaml:"release,omitempty"`
}

// ActionTable maps combos to remote actions. It is read-only after load.
type ActionTable struct {
	bindings map[ComboId]ActionBinding
	width    int
}

// NewActionTable builds a table from canonical combo strings.
// Malformed or duplicate combos are errors.
func NewActionTable(rows map[string]ActionBinding) (*ActionTable, error) {
	t := &ActionTable{bindings: make(map[ComboId]ActionBinding, len(rows))}
	for combo, b := range rows {
		if err := t.add(combo, b); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *ActionTable) add(combo string, b ActionBinding) error {
	id, err := ParseComboId(combo)
	if err != nil {
		return err
	}
	if t.width == 0 {
		t.width = id.Width()
	} else if id.Width() != t.width {
		return fmt.Errorf("combo %q has %d buttons, table uses %d", combo, id.Width(), t.width)
	}
	if _, dup := t.bindings[id]; dup {
		return fmt.Errorf("duplicate combo %q", combo)
	}
	t.bindings[id] = ActionBinding{
		Press:   strings.TrimSpace(b.Press),
		Release: strings.TrimSpace(b.Release),
	}
	return nil
}

// Lookup returns the binding for combo. A missing entry is not an error.
func (t *ActionTable) Lookup(combo ComboId) (ActionBinding, bool) {
	if t == nil {
		return ActionBinding{}, false
	}
	b, ok := t.bindings[combo]
	return b, ok
}

func (t *ActionTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.bindings)
}

// Width is the button count shared by every combo in the table (0 if empty).
func (t *ActionTable) Width() int {
	if t == nil {
		return 0
	}
	return t.width
}

// LoadActionTable reads a key table from disk. Files ending in .yaml/.yml use
// the YAML form; anything else is read as "combo,press,release" CSV rows.
func LoadActionTable(path string) (*ActionTable, error) {
	if path == "" {
		return nil, errors.New("action table path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("read action table: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseActionYAML(bytes.NewReader(b))
	default:
		return ParseActionCSV(bytes.NewReader(b))
	}
}

// ParseActionCSV parses rows of "combo,pressPath,releasePath". The release
// column may be omitted. Lines starting with '#' are comments.
func ParseActionCSV(r io.Reader) (*ActionTable, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	t := &ActionTable{bindings: make(map[ComboId]ActionBinding)}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse action table: %w", err)
		}
		line, _ := cr.FieldPos(0)

		if len(rec) < 2 || len(rec) > 3 {
			return nil, fmt.Errorf("action table line %d: want 2 or 3 fields, got %d", line, len(rec))
		}
		b := ActionBinding{Press: rec[1]}
		if len(rec) == 3 {
			b.Release = rec[2]
		}
		if err := t.add(rec[0], b); err != nil {
			return nil, fmt.Errorf("action table line %d: %w", line, err)
		}
	}
	return t, nil
}

// actionFile is the YAML form of the key table.
type actionFile struct {
	Bindings []struct {
		Combo   string `yaml:"combo"`
		Press   string `yaml:"press"`
		Release string `yaml:"release"`
	} `yaml:"bindings"`
}

// ParseActionYAML parses the YAML key table. Unknown fields are rejected.
func ParseActionYAML(r io.Reader) (*ActionTable, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f actionFile
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode action table yaml: %w", err)
	}

	t := &ActionTable{bindings: make(map[ComboId]ActionBinding, len(f.Bindings))}
	for i, row := range f.Bindings {
		if err := t.add(row.Combo, ActionBinding{Press: row.Press, Release: row.Release}); err != nil {
			return nil, fmt.Errorf("bindings[%d]: %w", i, err)
		}
	}
	return t, nil
}
