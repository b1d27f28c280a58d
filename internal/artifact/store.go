// Package artifact stores files produced during turns (documents,
// charts, extracts) in a workspace directory and serves them back by
// name or URL.
package artifact

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Artifact describes one stored file.
type Artifact struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps artifacts in a flat workspace directory. Names may
// contain subdirectory components but never escape the workspace.
type Store struct {
	workspace string
	baseURL   string
	md        goldmark.Markdown
}

// NewStore creates an artifact store rooted at workspace. baseURL is
// the public prefix under which artifacts are served, e.g.
// "/v1/artifacts". The workspace directory is created if missing.
func NewStore(workspace, baseURL string) (*Store, error) {
	if workspace == "" {
		return nil, fmt.Errorf("artifact workspace not configured")
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	return &Store{
		workspace: abs,
		baseURL:   strings.TrimRight(baseURL, "/"),
		md:        goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}, nil
}

// resolvePath converts an artifact name to an absolute path within the
// workspace. Returns an error if the name would escape the workspace.
func (s *Store) resolvePath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty artifact name")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("artifact name must be relative: %s", name)
	}

	absPath := filepath.Clean(filepath.Join(s.workspace, name))
	if absPath != s.workspace && !strings.HasPrefix(absPath, s.workspace+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact name escapes workspace: %s", name)
	}
	return absPath, nil
}

// Save writes data under name, creating parent directories as needed.
// An existing artifact with the same name is overwritten.
func (s *Store) Save(name string, data []byte) (*Artifact, error) {
	absPath, err := s.resolvePath(name)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(absPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact %s: %w", name, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat artifact %s: %w", name, err)
	}
	return &Artifact{Name: name, Size: info.Size(), CreatedAt: info.ModTime()}, nil
}

// URL returns the public URL for an artifact, and whether it exists.
func (s *Store) URL(name string) (string, bool) {
	absPath, err := s.resolvePath(name)
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(absPath); err != nil {
		return "", false
	}
	return s.baseURL + "/" + filepath.ToSlash(name), true
}

// Open opens an artifact for reading. The caller must close it.
func (s *Store) Open(name string) (io.ReadCloser, error) {
	absPath, err := s.resolvePath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact not found: %s", name)
		}
		return nil, fmt.Errorf("open artifact %s: %w", name, err)
	}
	return f, nil
}

// List returns all artifacts in the workspace, sorted by name.
func (s *Store) List() ([]Artifact, error) {
	var out []Artifact
	err := filepath.WalkDir(s.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.workspace, path)
		if err != nil {
			return err
		}
		out = append(out, Artifact{
			Name:      filepath.ToSlash(rel),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PreviewHTML renders a markdown artifact to HTML. Non-markdown
// artifacts return an error.
func (s *Store) PreviewHTML(name string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".md" && ext != ".markdown" {
		return nil, fmt.Errorf("no preview for %s artifacts", ext)
	}

	f, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := s.md.Convert(src, &buf); err != nil {
		return nil, fmt.Errorf("render artifact %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
