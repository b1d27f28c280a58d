// Package source holds the ingested documents a conversation can cite.
// Sources are read-only JSON files in a directory; each is addressed
// by source ID, page number, and chunk index, matching the locators
// the model emits in citation markers.
package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned for unknown source IDs.
var ErrNotFound = errors.New("source not found")

const (
	// maxChunkLen bounds the rune length of one chunk when a source
	// ships raw content instead of pre-chunked pages.
	maxChunkLen = 1200
	// chunksPerPage groups chunks into synthetic pages for sources
	// without native pagination.
	chunksPerPage = 8
)

// Source is one ingested document. Pages are numbered from 1; chunks
// are indexed from 0 within their page.
type Source struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Kind  string `json:"kind"` // "text", "html", "markdown"
	Pages []Page `json:"pages"`
}

// Page is one page of chunked source text.
type Page struct {
	Number int      `json:"number"`
	Chunks []string `json:"chunks"`
}

// sourceFile is the on-disk JSON shape. Either Pages or Content must
// be present; raw Content is chunked at load, and HTML content passes
// through the extractor first.
type sourceFile struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Kind    string `json:"kind"`
	Content string `json:"content,omitempty"`
	Pages   []Page `json:"pages,omitempty"`
}

// Store loads sources lazily from a directory of <id>.json files and
// caches them. Safe for concurrent use.
type Store struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*Source
}

// NewStore creates a source store over dir. The directory does not
// need to exist yet; a missing directory just has no sources.
func NewStore(dir string) *Store {
	return &Store{dir: dir, cache: make(map[string]*Source)}
}

// Content returns a source by ID, loading and chunking it on first
// access.
func (s *Store) Content(sourceID string) (*Source, error) {
	s.mu.RLock()
	src, ok := s.cache[sourceID]
	s.mu.RUnlock()
	if ok {
		return src, nil
	}

	src, err := s.load(sourceID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[sourceID] = src
	s.mu.Unlock()
	return src, nil
}

// Quote returns the text of one chunk, addressed the way citation
// locators address it: 1-based page, 0-based chunk.
func (s *Store) Quote(sourceID string, page, chunk int) (string, error) {
	src, err := s.Content(sourceID)
	if err != nil {
		return "", err
	}

	for _, p := range src.Pages {
		if p.Number != page {
			continue
		}
		if chunk < 0 || chunk >= len(p.Chunks) {
			return "", fmt.Errorf("source %s page %d has no chunk %d", sourceID, page, chunk)
		}
		return p.Chunks[chunk], nil
	}
	return "", fmt.Errorf("source %s has no page %d", sourceID, page)
}

// List returns the IDs of all sources present in the directory.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sources directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}

func (s *Store) load(sourceID string) (*Source, error) {
	// Source IDs come from model output; keep them from naming paths.
	if strings.ContainsAny(sourceID, "/\\.") {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(s.dir, sourceID+".json"))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", sourceID, err)
	}

	var sf sourceFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("decode source %s: %w", sourceID, err)
	}
	if sf.ID == "" {
		sf.ID = sourceID
	}

	src := &Source{ID: sf.ID, Title: sf.Title, Kind: sf.Kind, Pages: sf.Pages}
	if len(src.Pages) == 0 {
		content := sf.Content
		if sf.Kind == "html" {
			title, text := extractHTML(content)
			if src.Title == "" {
				src.Title = title
			}
			content = text
		}
		src.Pages = paginate(chunkText(content, maxChunkLen), chunksPerPage)
	}
	return src, nil
}

// chunkText splits text into chunks of at most maxLen runes, breaking
// on paragraph boundaries where possible.
func chunkText(text string, maxLen int) []string {
	var chunks []string
	var cur strings.Builder

	flush := func() {
		if c := strings.TrimSpace(cur.String()); c != "" {
			chunks = append(chunks, c)
		}
		cur.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		// Oversized paragraphs get split mid-text.
		for len([]rune(para)) > maxLen {
			flush()
			runes := []rune(para)
			chunks = append(chunks, strings.TrimSpace(string(runes[:maxLen])))
			para = strings.TrimSpace(string(runes[maxLen:]))
		}
		if cur.Len() > 0 && len([]rune(cur.String()))+len([]rune(para))+2 > maxLen {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return chunks
}

// paginate groups chunks into pages numbered from 1.
func paginate(chunks []string, perPage int) []Page {
	var pages []Page
	for i := 0; i < len(chunks); i += perPage {
		end := i + perPage
		if end > len(chunks) {
			end = len(chunks)
		}
		pages = append(pages, Page{Number: len(pages) + 1, Chunks: chunks[i:end]})
	}
	return pages
}
