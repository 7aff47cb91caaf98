// Package store persists pipeline output: the artifact tree (one directory
// per tool holding the guard source and its record) and the SQLite run log.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"toolguard/internal/logging"
	"toolguard/internal/repair"
)

const recordFile = "artifact.json"

// record is the on-disk form of a GuardArtifact.
type record struct {
	*repair.GuardArtifact
	SourceFile string `json:"source_file,omitempty"`
}

// ArtifactTree writes artifacts under Dir/<tool>/. Tools never share a
// directory, so concurrent saves for different tools need no locking.
type ArtifactTree struct {
	Dir string
}

// NewArtifactTree returns a tree rooted at dir.
func NewArtifactTree(dir string) *ArtifactTree {
	return &ArtifactTree{Dir: dir}
}

// SourceName is the guard file name for tool.
func SourceName(tool string) string {
	return "guard_" + tool + ".go"
}

// Save writes the guard source (when there is one) and artifact.json. It
// returns the path of the guard source, or of the record if no source was
// produced.
func (t *ArtifactTree) Save(a *repair.GuardArtifact) (string, error) {
	if !a.Persistable() {
		return "", fmt.Errorf("artifact %s has status %s and is not persisted", a.ToolName, a.Status)
	}
	dir := filepath.Join(t.Dir, a.ToolName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	rec := record{GuardArtifact: a}
	path := filepath.Join(dir, recordFile)
	if a.SourceCode != "" {
		rec.SourceFile = SourceName(a.ToolName)
		path = filepath.Join(dir, rec.SourceFile)
		if err := writeFileAtomic(path, []byte(a.SourceCode)); err != nil {
			return "", err
		}
	} else {
		// A stale guard from an earlier run must not outlive this record.
		_ = os.Remove(filepath.Join(dir, SourceName(a.ToolName)))
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, recordFile), append(data, '\n')); err != nil {
		return "", err
	}
	logging.StoreDebug("saved %s (%s) to %s", a.ToolName, a.Status, path)
	return path, nil
}

// Load reads the artifact for tool. It returns nil when none exists.
func (t *ArtifactTree) Load(tool string) (*repair.GuardArtifact, error) {
	dir := filepath.Join(t.Dir, tool)
	data, err := os.ReadFile(filepath.Join(dir, recordFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	rec := record{GuardArtifact: &repair.GuardArtifact{}}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s artifact: %w", tool, err)
	}
	if rec.SourceFile != "" {
		src, err := os.ReadFile(filepath.Join(dir, rec.SourceFile))
		if err != nil {
			return nil, fmt.Errorf("read guard source: %w", err)
		}
		rec.SourceCode = string(src)
	}
	return rec.GuardArtifact, nil
}

// LoadPassed returns the stored artifact for tool if it passed.
func (t *ArtifactTree) LoadPassed(tool string) (*repair.GuardArtifact, error) {
	a, err := t.Load(tool)
	if err != nil || a == nil || a.Status != repair.StatusPassed || a.SourceCode == "" {
		return nil, err
	}
	return a, nil
}

// Tools lists tools with a stored artifact.
func (t *ArtifactTree) Tools() ([]string, error) {
	entries, err := os.ReadDir(t.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(t.Dir, e.Name(), recordFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
