package share

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestFolderUIDsIncrease(t *testing.T) {
	ResetUIDs()
	a, err := NewFolder(t.TempDir(), "a", nil)
	require.NoError(t, err)
	b, err := NewFolder(t.TempDir(), "b", nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a.UID())
	assert.Equal(t, uint64(2), b.UID())
}

func TestNewFolderRejectsBadNames(t *testing.T) {
	_, err := NewFolder(t.TempDir(), ".trash", nil)
	assert.True(t, IsKind(err, KindInvalid))
}

func TestFolderAccess(t *testing.T) {
	f := newTestFolder(t, "shared")
	f.Configure(Config{AccessList: AccessList{"reader": AccessRO, "writer": AccessRW}}, false)

	admin := &User{Name: "root", Admin: true}
	reader := &User{Name: "reader"}
	writer := &User{Name: "writer"}
	stranger := &User{Name: "stranger"}

	assert.True(t, f.CanWrite(admin))
	assert.True(t, f.CanRead(reader))
	assert.False(t, f.CanWrite(reader))
	assert.True(t, f.CanWrite(writer))
	assert.False(t, f.CanRead(stranger))
	assert.False(t, f.CanRead(nil))
}

func TestFolderConfigure(t *testing.T) {
	f := newTestFolder(t, "shared")

	changed := f.Configure(Config{Description: strptr("team files")}, false)
	assert.True(t, changed)
	assert.False(t, f.Synced())

	changed = f.Configure(Config{AccessList: AccessList{"bob": AccessRW}}, false)
	assert.True(t, changed)
	cfg := f.Config()
	assert.Equal(t, "team files", *cfg.Description, "merge keeps absent fields")

	assert.False(t, f.Configure(Config{Description: strptr("team files")}, false))

	changed = f.Configure(Config{AccessList: AccessList{"bob": AccessRW}}, true)
	assert.True(t, changed)
	cfg = f.Config()
	assert.Equal(t, "", *cfg.Description, "full replace resets absent fields")
	assert.Equal(t, AccessList{"bob": AccessRW}, cfg.AccessList)
}

func TestFolderSaveAndLoadConfig(t *testing.T) {
	f := newTestFolder(t, "shared")
	ctx := context.Background()

	f.Configure(Config{
		AccessList:  AccessList{"bob": AccessRO, "Alice": AccessRW},
		Description: strptr("docs"),
		Tasks:       map[string]any{"sync": true},
	}, false)
	require.NoError(t, f.SaveConfig(ctx))
	assert.True(t, f.Synced())

	data, err := os.ReadFile(filepath.Join(f.Path(), ConfigFileName))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, []any{"+Alice", "bob"}, raw["accessList"])
	assert.Equal(t, "docs", raw["description"])

	// Synced folders skip the write.
	require.NoError(t, f.SaveConfig(ctx))
	assert.Equal(t, int64(1), f.SaveExecutions())
	assert.NoFileExists(t, filepath.Join(f.Path(), ConfigFileName+"-"))

	f.Configure(Config{Description: strptr("docs v2")}, false)
	require.NoError(t, f.SaveConfig(ctx))
	assert.FileExists(t, filepath.Join(f.Path(), ConfigFileName+"-"))

	other, err := NewFolder(f.Root(), f.Name(), f.Locker())
	require.NoError(t, err)
	require.NoError(t, other.LoadConfig(ctx))
	assert.True(t, other.Synced())
	cfg := other.Config()
	assert.Equal(t, "docs v2", *cfg.Description)
	assert.Equal(t, AccessList{"bob": AccessRO, "Alice": AccessRW}, cfg.AccessList)
	assert.Equal(t, map[string]any{"sync": true}, cfg.Tasks)
}

func TestFolderLoadMissingConfig(t *testing.T) {
	f := newTestFolder(t, "shared")
	require.NoError(t, f.LoadConfig(context.Background()))
	assert.True(t, f.Synced())
	assert.Empty(t, f.Config().AccessList)
}

func TestFolderLoadBrokenConfig(t *testing.T) {
	f := newTestFolder(t, "shared")
	require.NoError(t, os.WriteFile(filepath.Join(f.Path(), ConfigFileName), []byte("{"), 0644))

	err := f.LoadConfig(context.Background())
	assert.True(t, IsKind(err, KindConfiguration))
	assert.False(t, f.Synced())
}

func TestFolderConcurrentSavesKeepLatest(t *testing.T) {
	f := newTestFolder(t, "shared")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.Configure(Config{Description: strptr(string(rune('a' + i)))}, false)
			assert.NoError(t, f.SaveConfig(ctx))
		}(i)
	}
	wg.Wait()

	want := *f.Config().Description
	data, err := os.ReadFile(filepath.Join(f.Path(), ConfigFileName))
	require.NoError(t, err)
	var fc configFile
	require.NoError(t, json.Unmarshal(data, &fc))
	assert.Equal(t, want, fc.Description)
	assert.True(t, f.Synced())
	assert.LessOrEqual(t, f.SaveExecutions(), int64(20))
}

func TestFolderRename(t *testing.T) {
	f := newTestFolder(t, "old")
	writeFile(t, f, "a.txt", "x")
	ctx := context.Background()

	root, err := f.Resource(".")
	require.NoError(t, err)
	_, err = root.Stat(ctx)
	require.NoError(t, err)

	require.NoError(t, f.Rename(ctx, "new"))
	assert.Equal(t, "new", f.Name())
	assert.FileExists(t, filepath.Join(f.Root(), "new", "a.txt"))
	assert.True(t, root.Expired())
	_, ok := root.Cached()
	assert.False(t, ok)
	root.Unref()

	a, err := f.Resource("a.txt")
	require.NoError(t, err)
	defer a.Unref()
	assert.Equal(t, "new/a.txt", a.Path())
	_, err = a.Stat(ctx)
	require.NoError(t, err)
}

func TestFolderRenameOntoExisting(t *testing.T) {
	f := newTestFolder(t, "old")
	require.NoError(t, os.Mkdir(filepath.Join(f.Root(), "taken"), 0755))

	err := f.Rename(context.Background(), "taken")
	assert.True(t, IsKind(err, KindConflict))
	assert.Equal(t, "old", f.Name())
}

func TestFolderRenameInProgress(t *testing.T) {
	f := newTestFolder(t, "old")
	f.mu.Lock()
	f.renaming = true
	f.mu.Unlock()

	err := f.Rename(context.Background(), "new")
	assert.Equal(t, CodeRenaming, CodeOf(err))
	assert.True(t, IsKind(err, KindInternal))
}

func TestFolderMarkTrashed(t *testing.T) {
	f := newTestFolder(t, "shared")
	var calls int
	f.OnTrash(func(got *Folder) {
		assert.Same(t, f, got)
		calls++
	})

	r, err := f.Resource("a.txt")
	require.NoError(t, err)
	defer r.Unref()

	f.MarkTrashed()
	f.MarkTrashed()

	assert.Equal(t, 1, calls)
	assert.True(t, f.Trashed())
	assert.True(t, r.Expired())
}
