package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Document is one JSON document read from a source.
type Document struct {
	// Index is the document's position within the pass, starting at 0.
	Index int

	// ID locates the document: a file path, or path:line for JSON lines.
	ID string

	// Data is the raw document text.
	Data []byte
}

// Source yields documents one at a time. Next returns io.EOF when the
// source is exhausted. Reset rewinds the source so a pass can be re-run.
type Source interface {
	Next(ctx context.Context) (*Document, error)
	Reset() error
}

// fileSource serves documents from a list of loaded files.
type fileSource struct {
	load  func() ([]FileEntry, error)
	files []FileEntry

	loaded bool
	file   int
	docs   []*Document
	index  int
}

func (s *fileSource) Next(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.loaded {
		files, err := s.load()
		if err != nil {
			return nil, err
		}
		s.files = files
		s.loaded = true
	}

	for len(s.docs) == 0 {
		if s.file >= len(s.files) {
			return nil, io.EOF
		}
		s.docs = splitDocuments(s.files[s.file])
		s.file++
	}

	doc := s.docs[0]
	s.docs = s.docs[1:]
	doc.Index = s.index
	s.index++
	return doc, nil
}

func (s *fileSource) Reset() error {
	s.loaded = false
	s.files = nil
	s.file = 0
	s.docs = nil
	s.index = 0
	return nil
}

// NewDirSource walks root for .json, .jsonl and .ndjson files, honouring
// .gitignore. The directory is re-walked on every Reset.
func NewDirSource(root string) Source {
	return &fileSource{load: func() ([]FileEntry, error) {
		patterns, err := loadGitignore(root)
		if err != nil {
			return nil, fmt.Errorf("loading .gitignore: %w", err)
		}
		entries, err := WalkFiles(root, patterns)
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
		return entries, nil
	}}
}

// NewFileSource reads the given files in order. Files with an unknown
// extension are treated as a single JSON document.
func NewFileSource(paths ...string) Source {
	return &fileSource{load: func() ([]FileEntry, error) {
		entries := make([]FileEntry, 0, len(paths))
		for _, path := range paths {
			entry, err := readEntry(path, path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
			if entry.Format == "" {
				entry.Format = FormatJSON
			}
			entries = append(entries, entry)
		}
		return entries, nil
	}}
}

// splitDocuments cuts a file into its documents.
func splitDocuments(entry FileEntry) []*Document {
	id := filepath.ToSlash(entry.RelPath)

	if entry.Format != FormatJSONLines {
		return []*Document{{ID: id, Data: entry.Content}}
	}

	var docs []*Document
	for i, line := range bytes.Split(entry.Content, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		docs = append(docs, &Document{ID: fmt.Sprintf("%s:%d", id, i+1), Data: line})
	}
	return docs
}

// ReaderSource reads newline-delimited JSON from a stream.
type ReaderSource struct {
	name   string
	r      io.Reader
	br     *bufio.Reader
	line   int
	index  int
	closed bool
}

// NewReaderSource reads one document per non-blank line of r. Document IDs
// are name:line.
func NewReaderSource(name string, r io.Reader) *ReaderSource {
	return &ReaderSource{name: name, r: r, br: bufio.NewReader(r)}
}

// Next implements Source.
func (s *ReaderSource) Next(ctx context.Context) (*Document, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.closed {
			return nil, io.EOF
		}

		raw, err := s.br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			s.closed = true
		} else if err != nil {
			return nil, fmt.Errorf("reading %s: %w", s.name, err)
		}

		s.line++
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}

		doc := &Document{Index: s.index, ID: fmt.Sprintf("%s:%d", s.name, s.line), Data: line}
		s.index++
		return doc, nil
	}
}

// Reset implements Source. Only seekable readers can be rewound.
func (s *ReaderSource) Reset() error {
	seeker, ok := s.r.(io.Seeker)
	if !ok {
		return fmt.Errorf("source %s cannot be rewound", s.name)
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding %s: %w", s.name, err)
	}
	s.br.Reset(s.r)
	s.line = 0
	s.index = 0
	s.closed = false
	return nil
}

// OpenSource picks a source for a path: directories are walked, "-" reads
// standard input, anything else is a single file.
func OpenSource(path string) (Source, error) {
	if path == "-" {
		return NewReaderSource("stdin", os.Stdin), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return NewDirSource(path), nil
	}
	return NewFileSource(path), nil
}
