// Package ingestion feeds JSON documents from files and streams through the
// materializer into a store.
package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Format is how a file's content is split into documents.
type Format string

const (
	// FormatJSON holds exactly one document.
	FormatJSON Format = "json"

	// FormatJSONLines holds one document per non-blank line.
	FormatJSONLines Format = "jsonl"
)

// FileEntry represents a file to be ingested.
type FileEntry struct {
	// Path is the absolute file path.
	Path string

	// RelPath is the path relative to the walked root.
	RelPath string

	// Format is detected from the extension.
	Format Format

	// Content is the file content.
	Content []byte

	// SHA256 is the hash of the file content.
	SHA256 string
}

// Supported file extensions and their formats.
var supportedExtensions = map[string]Format{
	".json":   FormatJSON,
	".jsonl":  FormatJSONLines,
	".ndjson": FormatJSONLines,
}

// Default patterns to ignore (in addition to .gitignore).
var defaultIgnorePatterns = []string{
	".git/",
	"node_modules/",
	".graphmat/",
	".DS_Store",
}

// WalkFiles walks root and returns every JSON file not ignored, ordered by
// relative path.
func WalkFiles(root string, patterns []gitignore.Pattern) ([]FileEntry, error) {
	var entries []FileEntry

	matcher := gitignore.NewMatcher(append(defaultPatterns(), patterns...))

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path != root && shouldSkipDir(d.Name(), path, root, matcher) {
				return filepath.SkipDir
			}
			return nil
		}

		if !isSupportedFile(d.Name()) {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if matcher.Match(splitPath(relPath), false) {
			return nil
		}

		entry, err := readEntry(path, relPath)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, err
}

// readEntry loads a single file.
func readEntry(path, relPath string) (FileEntry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return FileEntry{}, err
	}

	hash := sha256.Sum256(content)
	return FileEntry{
		Path:    path,
		RelPath: relPath,
		Format:  getFormat(path),
		Content: content,
		SHA256:  hex.EncodeToString(hash[:]),
	}, nil
}

// loadGitignore loads .gitignore patterns from the root.
func loadGitignore(root string) ([]gitignore.Pattern, error) {
	content, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return patterns, nil
}

// loadMatcher combines the default patterns with the root's .gitignore.
func loadMatcher(root string) (gitignore.Matcher, error) {
	patterns, err := loadGitignore(root)
	if err != nil {
		return nil, err
	}

	return gitignore.NewMatcher(append(defaultPatterns(), patterns...)), nil
}

func defaultPatterns() []gitignore.Pattern {
	patterns := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns))
	for _, p := range defaultIgnorePatterns {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}
	return patterns
}

func isSupportedFile(filename string) bool {
	return getFormat(filename) != ""
}

func getFormat(filename string) Format {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// shouldSkipDir checks if a directory should be skipped.
func shouldSkipDir(name, path, root string, matcher gitignore.Matcher) bool {
	if name == ".git" {
		return true
	}

	relPath, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return matcher.Match(splitPath(relPath), true)
}

func splitPath(path string) []string {
	return strings.Split(path, string(filepath.Separator))
}
