// Package workdir manages per-session working directories: allocation,
// fork cloning, tar.gz export on archive, and guarded release. Every live
// directory sits directly under one root so Release can refuse anything
// outside it.
package workdir

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Manager struct {
	root       string // live session directories
	archiveDir string // exported tarballs
	logger     *slog.Logger
}

func NewManager(root, archiveDir string, logger *slog.Logger) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("empty workdir root")
	}
	if strings.TrimSpace(archiveDir) == "" {
		return nil, fmt.Errorf("empty archive dir")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir root: %w", err)
	}
	absArchive, err := filepath.Abs(archiveDir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: absRoot, archiveDir: absArchive, logger: logger}, nil
}

// Root returns the live-directory root. Diagnostics probe it for writability.
func (m *Manager) Root() string { return m.root }

// Allocate creates a private directory for a session and returns its path.
// The directory is owner-only (0700). A leftover directory with the same
// name is never reused; allocation falls back to a suffixed name so a new
// session can never see a dead session's files.
func (m *Manager) Allocate(sessionID string) (string, error) {
	seg, err := safeSegment(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("create workdir root: %w", err)
	}

	path := filepath.Join(m.root, seg)
	if _, err := m.inRoot(path); err != nil {
		return "", err
	}
	err = os.Mkdir(path, 0o700)
	if err == nil {
		return path, nil
	}
	if !os.IsExist(err) {
		return "", fmt.Errorf("create workdir: %w", err)
	}

	// Collision: MkdirTemp creates 0700 and guarantees a fresh name.
	path, err = os.MkdirTemp(m.root, seg+"-")
	if err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	m.logger.Warn("workdir name collision, allocated suffixed directory", "session_id", sessionID, "path", path)
	return path, nil
}

// Clone allocates a directory for dstSessionID and, when includeFiles is
// set, copies the source tree into it. Symlinks are never copied: a link
// shared across forks would let writes in one fork appear in the other.
func (m *Manager) Clone(srcPath, dstSessionID string, includeFiles bool) (string, error) {
	src, err := m.inRoot(srcPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("stat source workdir: %w", err)
	}

	dst, err := m.Allocate(dstSessionID)
	if err != nil {
		return "", err
	}
	if !includeFiles {
		return dst, nil
	}
	if err := m.copyTree(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return "", fmt.Errorf("clone workdir: %w", err)
	}
	return dst, nil
}

// Archive exports a live directory as a tar.gz under the archive dir and
// returns the tarball path. The caller releases the live directory after a
// successful export.
func (m *Manager) Archive(path string) (string, error) {
	src, err := m.inRoot(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("stat workdir: %w", err)
	}
	if err := os.MkdirAll(m.archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	name := filepath.Base(src) + "-" + time.Now().UTC().Format("20060102T150405Z") + ".tar.gz"
	dst := filepath.Join(m.archiveDir, name)
	if err := writeTarball(src, dst); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	return dst, nil
}

// Release deletes a live directory. It refuses the root itself and any
// path outside it.
func (m *Manager) Release(path string) error {
	abs, err := m.inRoot(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("remove workdir: %w", err)
	}
	return nil
}

// inRoot resolves path and verifies it is strictly inside the root.
func (m *Manager) inRoot(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("empty workdir path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve workdir path: %w", err)
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside workdir root: %s", path)
	}
	return abs, nil
}

// safeSegment rejects session IDs that could escape the root when joined.
func safeSegment(id string) (string, error) {
	s := strings.TrimSpace(id)
	if s == "" {
		return "", fmt.Errorf("empty session id")
	}
	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return "", fmt.Errorf("invalid session id: %q", id)
	}
	return s, nil
}

func (m *Manager) copyTree(srcRoot, dstRoot string) error {
	return filepath.WalkDir(srcRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := filepath.Join(dstRoot, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o700)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			m.logger.Warn("symlink dropped from workdir clone", "path", rel)
			return nil
		}
		return copyFile(path, dst, info.Mode()&0o777)
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	if mode == 0 {
		mode = 0o600
	}
	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dstFile.Close()
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	return dstFile.Close()
}

func writeTarball(srcRoot, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create tarball: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		// Symlinks are dropped from archives, same as from clones.
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("write tarball: %w", walkErr)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip stream: %w", err)
	}
	return out.Close()
}
