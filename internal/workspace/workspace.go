// Package workspace manages per-project workspace directories: creation,
// archive upload, file access, and lookup by project id.
package workspace

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound reports that a project or its workspace directory does not
// exist. Callers should treat it as "upload a project first", not as a
// transient failure.
var ErrNotFound = errors.New("workspace not found")

// ErrInvalidPath reports a file path that escapes the workspace root.
var ErrInvalidPath = errors.New("invalid path")

// Node is one entry in a workspace file tree.
type Node struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"` // "file" or "directory"
	Children []Node `json:"children,omitempty"`
}

// Store lays out projects under a base directory:
//
//	<base>/<project-id>/workspace/...
//
// The store is a pure filesystem mapping; it holds no in-memory state.
type Store struct {
	base   string
	logger *slog.Logger
}

// NewStore creates a store rooted at base, creating the directory if needed.
func NewStore(base string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating base dir: %w", err)
	}
	return &Store{base: base, logger: logger}, nil
}

// Base returns the store's root directory.
func (s *Store) Base() string {
	return s.base
}

// CreateProject allocates a fresh project id and its directory.
func (s *Store) CreateProject() (string, error) {
	id := strings.ToLower(ulid.Make().String())
	if err := os.MkdirAll(s.projectDir(id), 0o755); err != nil {
		return "", fmt.Errorf("creating project dir: %w", err)
	}
	return id, nil
}

// Resolve maps a project id to its workspace path. It returns ErrNotFound
// when the project or its workspace directory does not exist.
func (s *Store) Resolve(id string) (string, error) {
	ws := s.workspaceDir(id)
	info, err := os.Stat(ws)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	return ws, nil
}

// ProjectExists reports whether the project directory exists at all,
// regardless of whether an archive has been uploaded.
func (s *Store) ProjectExists(id string) bool {
	info, err := os.Stat(s.projectDir(id))
	return err == nil && info.IsDir()
}

// UploadArchive extracts a zip archive into the project workspace, creating
// it if needed, and returns the workspace path. Entries that would escape
// the workspace are rejected.
func (s *Store) UploadArchive(id string, r io.ReaderAt, size int64) (string, error) {
	if !s.ProjectExists(id) {
		return "", fmt.Errorf("project %q: %w", id, ErrNotFound)
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("opening archive: %w", err)
	}

	ws := s.workspaceDir(id)
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}

	for _, f := range zr.File {
		if err := extractEntry(ws, f); err != nil {
			return "", fmt.Errorf("extracting %q: %w", f.Name, err)
		}
	}

	s.logger.Info("archive extracted", "project", id, "entries", len(zr.File))
	return ws, nil
}

func extractEntry(ws string, f *zip.File) error {
	dest, err := joinInside(ws, f.Name)
	if err != nil {
		return err
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Tree returns the workspace file tree for a project. Dotfiles are skipped,
// matching what the IDE file panel shows. A project with no workspace yet
// yields an empty tree rather than an error.
func (s *Store) Tree(id string) ([]Node, error) {
	ws, err := s.Resolve(id)
	if err != nil {
		return []Node{}, nil
	}
	return readTree(ws, "")
}

func readTree(dir, rel string) ([]Node, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	nodes := make([]Node, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		relPath := filepath.Join(rel, e.Name())
		if e.IsDir() {
			children, err := readTree(filepath.Join(dir, e.Name()), relPath)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, Node{Name: e.Name(), Path: relPath, Type: "directory", Children: children})
		} else {
			nodes = append(nodes, Node{Name: e.Name(), Path: relPath, Type: "file"})
		}
	}
	return nodes, nil
}

// ReadFile returns the contents of a file inside the project workspace.
func (s *Store) ReadFile(id, rel string) ([]byte, error) {
	ws, err := s.Resolve(id)
	if err != nil {
		return nil, err
	}
	path, err := joinInside(ws, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %q: %w", rel, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %q: %w", rel, err)
	}
	return data, nil
}

// WriteFile writes a file inside the project workspace, creating parent
// directories as needed.
func (s *Store) WriteFile(id, rel string, data []byte) error {
	ws, err := s.Resolve(id)
	if err != nil {
		return err
	}
	path, err := joinInside(ws, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent dirs: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %q: %w", rel, err)
	}
	return nil
}

// DeleteProject removes the project directory recursively. Deleting a
// project that does not exist is a no-op.
func (s *Store) DeleteProject(id string) error {
	if err := os.RemoveAll(s.projectDir(id)); err != nil {
		return fmt.Errorf("deleting project %q: %w", id, err)
	}
	return nil
}

// ProjectIDForDir maps a path directly under the base dir back to a project
// id; ok is false for the base dir itself or deeper paths.
func (s *Store) ProjectIDForDir(path string) (string, bool) {
	rel, err := filepath.Rel(s.base, path)
	if err != nil || rel == "." || strings.Contains(rel, string(filepath.Separator)) || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return rel, true
}

func (s *Store) projectDir(id string) string {
	return filepath.Join(s.base, id)
}

func (s *Store) workspaceDir(id string) string {
	return filepath.Join(s.projectDir(id), "workspace")
}

// joinInside resolves rel against root and rejects results that escape it.
func joinInside(root, rel string) (string, error) {
	clean := filepath.Clean("/" + rel)
	dest := filepath.Join(root, clean)
	if dest != root && !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q: %w", rel, ErrInvalidPath)
	}
	return dest, nil
}
