// Package workspace allocates and destroys the private directory each
// execution runs in.
//
// A workspace belongs to exactly one request. Names are "ws-<xid>": an xid packs
// a timestamp, machine id, process id and a per-process counter, so two
// requests arriving in the same millisecond still get different directories.
// The leaf is created with os.Mkdir rather than MkdirAll, so even a collision
// would fail loudly instead of silently sharing a directory.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/metrics"
)

// Workspace is one request-scoped directory.
type Workspace struct {
	ID        string
	Path      string
	CreatedAt time.Time
}

// Owner is the uid/gid workspaces are handed to when the sandbox runs programs
// as a restricted user. A nil Owner keeps the server's own identity.
type Owner struct {
	UID int
	GID int
}

// Manager creates workspaces under Root.
type Manager struct {
	root   string
	owner  *Owner
	logger *slog.Logger
}

// NewManager creates root (and parents) and returns a Manager for it.
func NewManager(root string, owner *Owner, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace: root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperror.WorkspaceFailed("create root", err)
	}
	return &Manager{root: abs, owner: owner, logger: logger}, nil
}

// Root returns the absolute directory all workspaces live under.
func (m *Manager) Root() string {
	return m.root
}

// Create allocates a fresh, empty workspace directory.
func (m *Manager) Create() (*Workspace, error) {
	// Recreate the root in case a tmp cleaner removed it while we were running.
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, apperror.WorkspaceFailed("create root", err)
	}

	id := "ws-" + xid.New().String()
	path := filepath.Join(m.root, id)
	if err := os.Mkdir(path, 0o700); err != nil {
		return nil, apperror.WorkspaceFailed("create", err)
	}

	if m.owner != nil {
		if err := os.Chown(path, m.owner.UID, m.owner.GID); err != nil {
			_ = os.RemoveAll(path)
			return nil, apperror.WorkspaceFailed("chown", err)
		}
	}

	metrics.WorkspacesActive.Inc()
	return &Workspace{ID: id, Path: path, CreatedAt: time.Now()}, nil
}

// Destroy removes the workspace tree. Cleanup is best-effort: failures are
// logged and never returned, so they cannot change the caller's result.
func (m *Manager) Destroy(ws *Workspace) {
	if ws == nil {
		return
	}
	metrics.WorkspacesActive.Dec()
	if err := os.RemoveAll(ws.Path); err != nil {
		m.logger.Error("failed to remove workspace",
			slog.String("path", ws.Path),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Debug("workspace removed",
		slog.String("id", ws.ID),
		slog.Duration("age", time.Since(ws.CreatedAt)),
	)
}

// WriteSource writes the program into the workspace under the file name the
// toolchain dictates. The name must be a bare file name.
func (m *Manager) WriteSource(ws *Workspace, name, code string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", apperror.WorkspaceFailed("write source", fmt.Errorf("invalid source file name %q", name))
	}
	path := filepath.Join(ws.Path, name)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return "", apperror.WorkspaceFailed("write source", err)
	}
	if m.owner != nil {
		if err := os.Chown(path, m.owner.UID, m.owner.GID); err != nil {
			return "", apperror.WorkspaceFailed("chown source", err)
		}
	}
	return path, nil
}
