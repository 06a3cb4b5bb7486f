package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryReader ingests one kind of external source (file, website, repo,
// video transcript) into memory chunks. Implementations register themselves
// by source kind.
type MemoryReader interface {
	// Kind names the source type this reader handles, e.g. "file", "website".
	Kind() string
	Ingest(ctx context.Context, source string) ([]MemoryChunk, error)
}

// ReaderRegistry discovers memory readers by source kind.
type ReaderRegistry struct {
	mu      sync.RWMutex
	readers map[string]MemoryReader
}

// NewReaderRegistry creates an empty registry.
func NewReaderRegistry() *ReaderRegistry {
	return &ReaderRegistry{readers: make(map[string]MemoryReader)}
}

// Register adds a reader, replacing any previous reader of the same kind.
func (r *ReaderRegistry) Register(reader MemoryReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[reader.Kind()] = reader
}

// Lookup returns the reader for a source kind.
func (r *ReaderRegistry) Lookup(kind string) (MemoryReader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reader, ok := r.readers[kind]
	if !ok {
		return nil, fmt.Errorf("no memory reader registered for %q", kind)
	}
	return reader, nil
}

// Kinds lists the registered source kinds.
func (r *ReaderRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.readers))
	for k := range r.readers {
		out = append(out, k)
	}
	return out
}

// SourceKind classifies a source string for reader lookup. Non-URL sources
// are treated as file paths.
func SourceKind(source string) string {
	switch {
	case strings.Contains(source, "arxiv.org/"):
		return "arxiv"
	case strings.Contains(source, "youtube.com/"), strings.Contains(source, "youtu.be/"):
		return "youtube"
	case strings.Contains(source, "github.com/"):
		return "github"
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return "website"
	default:
		return "file"
	}
}
