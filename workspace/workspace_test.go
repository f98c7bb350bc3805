package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// failingFileSystem fails selected operations and delegates the rest to disk
type failingFileSystem struct {
	RealFileSystem
	mkdirTempErr error
	removeAllErr error
}

func (f *failingFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	if f.mkdirTempErr != nil {
		return "", f.mkdirTempErr
	}
	return f.RealFileSystem.MkdirTemp(dir, pattern)
}

func (f *failingFileSystem) RemoveAll(path string) error {
	if f.removeAllErr != nil {
		return f.removeAllErr
	}
	return f.RealFileSystem.RemoveAll(path)
}

func TestNewManager(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("CreatesBaseDir", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "nested", "workspaces")
		mgr, err := NewManager(logger, base)
		require.NoError(t, err)
		require.NotNil(t, mgr)

		info, err := os.Stat(base)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, 0, mgr.Live())
	})

	t.Run("DefaultsToTempDir", func(t *testing.T) {
		mgr, err := NewManager(logger, "")
		require.NoError(t, err)
		assert.Equal(t, os.TempDir(), mgr.baseDir)
	})

	t.Run("UnwritableBaseDir", func(t *testing.T) {
		fs := &failingFileSystem{mkdirTempErr: errors.New("read-only file system")}
		_, err := NewManager(logger, t.TempDir(), WithFileSystem(fs))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not writable")
	})
}

func TestManagerLifecycle(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("CreateAndDestroy", func(t *testing.T) {
		mgr, err := NewManager(logger, t.TempDir())
		require.NoError(t, err)

		ws, err := mgr.Create("abc123")
		require.NoError(t, err)
		assert.Equal(t, "abc123", ws.Label)
		assert.NotEmpty(t, ws.ID)
		assert.DirExists(t, ws.Dir)
		assert.Equal(t, filepath.Join(ws.Dir, "handler.py"), ws.Path("handler.py"))
		assert.Equal(t, 1, mgr.Live())

		require.NoError(t, os.WriteFile(ws.Path("handler.py"), []byte("x"), FilePermission))

		require.NoError(t, mgr.Destroy(ws))
		assert.NoDirExists(t, ws.Dir)
		assert.Equal(t, 0, mgr.Live())
	})

	t.Run("DestroyIsIdempotent", func(t *testing.T) {
		mgr, err := NewManager(logger, t.TempDir())
		require.NoError(t, err)

		ws, err := mgr.Create("")
		require.NoError(t, err)
		require.NoError(t, mgr.Destroy(ws))
		require.NoError(t, mgr.Destroy(ws))
		require.NoError(t, mgr.Destroy(nil))
		assert.Equal(t, 0, mgr.Live())
	})

	t.Run("FailedRemovalStaysLive", func(t *testing.T) {
		fs := &failingFileSystem{}
		mgr, err := NewManager(logger, t.TempDir(), WithFileSystem(fs))
		require.NoError(t, err)

		ws, err := mgr.Create("")
		require.NoError(t, err)

		fs.removeAllErr = errors.New("device busy")
		require.Error(t, mgr.Destroy(ws))
		assert.Equal(t, 1, mgr.Live())

		fs.removeAllErr = nil
		require.NoError(t, mgr.Destroy(ws))
		assert.Equal(t, 0, mgr.Live())
	})

	t.Run("UniqueDirectories", func(t *testing.T) {
		mgr, err := NewManager(logger, t.TempDir())
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			dirs = make(map[string]bool)
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ws, err := mgr.Create("same")
				assert.NoError(t, err)
				mu.Lock()
				dirs[ws.Dir] = true
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, dirs, 16)
		assert.Equal(t, 16, mgr.Live())
	})
}
