package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/funcbox/config"
)

// Workspace is an ephemeral staging directory owned by one execution.
type Workspace struct {
	ID    string
	Dir   string
	Label string // short fingerprint of the code staged here
}

// Path returns the absolute path of name inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Manager creates and destroys workspaces and tracks the ones still alive.
type Manager struct {
	logger  *zap.Logger
	fs      FileSystem
	baseDir string

	mu   sync.Mutex
	live map[string]*Workspace
}

// Option defines a functional option for Manager
type Option func(*Manager)

// WithFileSystem sets the FileSystem used by the Manager
func WithFileSystem(fs FileSystem) Option {
	return func(m *Manager) {
		m.fs = fs
	}
}

// NewManager creates a Manager rooted at baseDir. An empty baseDir selects the
// OS temp directory. The base directory is checked for writability so a
// misconfigured deployment fails at startup rather than on the first request.
func NewManager(logger *zap.Logger, baseDir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		logger:  logger,
		fs:      &RealFileSystem{},
		baseDir: baseDir,
		live:    make(map[string]*Workspace),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.baseDir == "" {
		m.baseDir = os.TempDir()
	}
	if err := m.fs.MkdirAll(m.baseDir, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create workspace base dir %s: %w", m.baseDir, err)
	}
	scratch, err := m.fs.MkdirTemp(m.baseDir, "funcbox-check-*")
	if err != nil {
		return nil, fmt.Errorf("workspace base dir %s is not writable: %w", m.baseDir, err)
	}
	if err := m.fs.RemoveAll(scratch); err != nil {
		return nil, fmt.Errorf("failed to remove workspace check %s: %w", scratch, err)
	}

	return m, nil
}

// NewFromConfig creates a Manager from the engine configuration
func NewFromConfig(logger *zap.Logger, cfg *config.Config) (*Manager, error) {
	return NewManager(logger, cfg.Engine.WorkspaceDir)
}

// Create allocates a fresh workspace labelled with label.
func (m *Manager) Create(label string) (*Workspace, error) {
	id := uuid.NewString()
	dir, err := m.fs.MkdirTemp(m.baseDir, "funcbox-"+id[:8]+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	ws := &Workspace{ID: id, Dir: dir, Label: label}

	m.mu.Lock()
	m.live[id] = ws
	m.mu.Unlock()

	m.logger.Debug("workspace created", zap.String("workspace_id", id), zap.String("path", dir))
	return ws, nil
}

// Destroy removes the workspace directory. Destroying an unknown or already
// destroyed workspace is a no-op. A workspace whose removal fails stays live.
func (m *Manager) Destroy(ws *Workspace) error {
	if ws == nil {
		return nil
	}

	m.mu.Lock()
	_, ok := m.live[ws.ID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := m.fs.RemoveAll(ws.Dir); err != nil {
		m.logger.Error("failed to remove workspace", zap.String("path", ws.Dir), zap.Error(err))
		return fmt.Errorf("failed to remove workspace %s: %w", ws.ID, err)
	}

	m.mu.Lock()
	delete(m.live, ws.ID)
	m.mu.Unlock()

	m.logger.Debug("workspace destroyed", zap.String("workspace_id", ws.ID))
	return nil
}

// Live returns the number of workspaces created but not yet destroyed.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
