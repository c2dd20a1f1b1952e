package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DigestFile lists the SHA-256 of every other file in a bundle, keyed by
// slash-separated path relative to the run directory.
const DigestFile = "digests.json"

// Writer writes evidence bundles to disk.
type Writer struct {
	runDir string
}

// NewWriter creates a writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(filepath.Join(runDir, "stages"), 0755); err != nil {
		return nil, err
	}
	return &Writer{runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// Write stores run.json, one stages/<name>.json per attempted stage and the
// digest list. A rewrite replaces the whole bundle.
func (w *Writer) Write(rec *Record) error {
	digests := make(map[string]string)

	sum, err := writeJSON(filepath.Join(w.runDir, "run.json"), rec.ToPlainMap())
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	digests["run.json"] = sum

	for _, name := range rec.Stages() {
		rel := "stages/" + fileName(name) + ".json"
		sum, err := writeJSON(filepath.Join(w.runDir, filepath.FromSlash(rel)), rec.StageMap(name))
		if err != nil {
			return fmt.Errorf("write stage %s: %w", name, err)
		}
		digests[rel] = sum
	}

	if _, err := writeJSON(filepath.Join(w.runDir, DigestFile), digests); err != nil {
		return fmt.Errorf("write digests: %w", err)
	}
	return nil
}

// Verify re-hashes every file named in a bundle's digest list.
func Verify(runDir string) error {
	data, err := os.ReadFile(filepath.Join(runDir, DigestFile))
	if err != nil {
		return fmt.Errorf("read digests: %w", err)
	}
	var digests map[string]string
	if err := json.Unmarshal(data, &digests); err != nil {
		return fmt.Errorf("parse digests: %w", err)
	}

	paths := make([]string, 0, len(digests))
	for rel := range digests {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		path, err := safeJoin(runDir, rel)
		if err != nil {
			return fmt.Errorf("invalid digest path %q: %w", rel, err)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("missing evidence file %s: %w", rel, err)
		}
		if digest(content) != digests[rel] {
			return fmt.Errorf("digest mismatch for %s", rel)
		}
	}
	return nil
}

func safeJoin(root, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes run directory")
	}
	return filepath.Join(root, clean), nil
}

func fileName(stage string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, stage)
}

func writeJSON(path string, value any) (string, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return digest(data), nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
