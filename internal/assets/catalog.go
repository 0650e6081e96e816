package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const audiosKey = "audios"

var ErrDuplicateID = errors.New("catalog entry id already present")

// Entry is one generated asset as the front-end expects it.
type Entry struct {
	ID        string   `json:"id"`
	Label     string   `json:"label"`
	Extension string   `json:"extension"`
	Keywords  []string `json:"keywords"`
	Animation string   `json:"animation"`
}

// NewEntry builds the entry for a freshly generated waveform.
func NewEntry(id, labelPrefix, animation string) Entry {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	label := short
	if labelPrefix != "" {
		label = labelPrefix + " " + short
	}
	return Entry{
		ID:        id,
		Label:     label,
		Extension: "wav",
		Keywords:  []string{},
		Animation: animation,
	}
}

type UpdateError struct {
	Op   string
	Path string
	Err  error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("catalog %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// Catalog appends entries to the shared JSON catalog file. Appends are
// serialized and each write replaces the file atomically, so concurrent runs
// never lose each other's entries. Top-level keys other than "audios" are
// carried over untouched.
type Catalog struct {
	path string
	lock chan struct{}
	log  *slog.Logger
}

func NewCatalog(path string, log *slog.Logger) *Catalog {
	return &Catalog{
		path: path,
		lock: make(chan struct{}, 1),
		log:  log.With(slog.String("component", "asset-catalog")),
	}
}

func (c *Catalog) Path() string { return c.path }

func (c *Catalog) Append(ctx context.Context, entry Entry) error {
	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		return &UpdateError{Op: "lock", Path: c.path, Err: ctx.Err()}
	}
	defer func() { <-c.lock }()

	if entry.Keywords == nil {
		entry.Keywords = []string{}
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return &UpdateError{Op: "read", Path: c.path, Err: err}
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return &UpdateError{Op: "parse", Path: c.path, Err: err}
	}
	raw, ok := doc[audiosKey]
	if !ok {
		return &UpdateError{Op: "parse", Path: c.path, Err: fmt.Errorf("missing %q array", audiosKey)}
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return &UpdateError{Op: "parse", Path: c.path, Err: fmt.Errorf("%q: %w", audiosKey, err)}
	}

	for _, item := range entries {
		var existing struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(item, &existing) == nil && existing.ID == entry.ID {
			return &UpdateError{Op: "append", Path: c.path, Err: fmt.Errorf("%w: %s", ErrDuplicateID, entry.ID)}
		}
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return &UpdateError{Op: "encode", Path: c.path, Err: err}
	}
	entries = append(entries, encoded)
	if doc[audiosKey], err = json.Marshal(entries); err != nil {
		return &UpdateError{Op: "encode", Path: c.path, Err: err}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return &UpdateError{Op: "encode", Path: c.path, Err: err}
	}

	if err := c.replace(buf.Bytes()); err != nil {
		return &UpdateError{Op: "write", Path: c.path, Err: err}
	}
	c.log.Debug("catalog entry appended", slog.String("id", entry.ID), slog.Int("entries", len(entries)))
	return nil
}

// replace writes data to a sibling temp file and renames it over the
// catalog.
func (c *Catalog) replace(data []byte) error {
	mode := os.FileMode(0o644)
	if st, err := os.Stat(c.path); err == nil {
		mode = st.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), "."+filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		cleanup()
		return err
	}
	return nil
}
