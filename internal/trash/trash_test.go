package trash

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdust/partage/internal/lock"
	"github.com/vdust/partage/internal/share"
)

var (
	admin  = &share.User{Name: "admin", Admin: true}
	writer = &share.User{Name: "writer"}
	reader = &share.User{Name: "reader"}
)

// registry is a minimal folder registry over a root directory.
type registry struct {
	root   string
	locker *lock.Locker

	mu      sync.Mutex
	folders map[string]*share.Folder
}

func (r *registry) Root() string { return r.root }

func (r *registry) Lookup(name string) *share.Folder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.folders[name]
}

func (r *registry) Adopt(ctx context.Context, name string) (*share.Folder, error) {
	f, err := share.NewFolder(r.root, name, r.locker)
	if err != nil {
		return nil, err
	}
	f.OnTrash(r.unregister)
	r.mu.Lock()
	r.folders[name] = f
	r.mu.Unlock()
	return f, f.LoadConfig(ctx)
}

func (r *registry) unregister(f *share.Folder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.folders[f.Name()] == f {
		delete(r.folders, f.Name())
	}
}

type fixture struct {
	reg   *registry
	trash *Trash
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	fx := &fixture{
		reg: &registry{
			root:    root,
			locker:  lock.NewLocker(5 * time.Second),
			folders: map[string]*share.Folder{},
		},
		clock: time.UnixMilli(1700000000000),
	}
	tr, err := New(Config{
		Dir:      filepath.Join(root, ".trash"),
		Registry: fx.reg,
		Locker:   fx.reg.locker,
		Now:      func() time.Time { return fx.clock },
	})
	require.NoError(t, err)
	fx.trash = tr

	for _, name := range []string{"readwrite", "other"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0755))
		f, err := fx.reg.Adopt(context.Background(), name)
		require.NoError(t, err)
		f.Configure(share.Config{AccessList: share.AccessList{"writer": share.AccessRW, "reader": share.AccessRO}}, true)
		require.NoError(t, f.SaveConfig(context.Background()))
	}
	return fx
}

func (fx *fixture) write(t *testing.T, p, content string) {
	t.Helper()
	full := filepath.Join(fx.reg.root, filepath.FromSlash(p))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func (fx *fixture) read(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fx.reg.root, filepath.FromSlash(p)))
	require.NoError(t, err)
	return string(data)
}

func (fx *fixture) trashPath(t *testing.T, user *share.User, p string) Item {
	t.Helper()
	folder, rel := share.SplitPath(p)
	f := fx.reg.Lookup(folder)
	require.NotNil(t, f)
	r, err := f.Resource(rel)
	require.NoError(t, err)
	defer r.Unref()
	it, err := fx.trash.Trash(context.Background(), user, r, TrashOptions{})
	require.NoError(t, err)
	return it
}

func TestTrashScanRestoreEndToEnd(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.write(t, "readwrite/a.txt", "hello")

	it := fx.trashPath(t, writer, "readwrite/a.txt")
	assert.NoFileExists(t, filepath.Join(fx.reg.root, "readwrite", "a.txt"))

	items, err := fx.trash.Scan(ctx, writer)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, it.UID, items[0].UID)
	assert.Equal(t, share.TypeFile, items[0].Type)
	assert.Equal(t, "a.txt", items[0].Name)
	assert.Equal(t, "readwrite", items[0].Folder)
	assert.Equal(t, "readwrite", items[0].Origin)
	assert.False(t, items[0].IsFolder)

	res, err := fx.trash.Restore(ctx, writer, it.UID, RestoreOptions{})
	require.NoError(t, err)
	defer res.Resource.Unref()
	assert.Equal(t, "readwrite/a.txt", res.Path)
	assert.Equal(t, int64(5), res.Stats.Size)
	assert.False(t, res.StaleMetadata)
	assert.Nil(t, res.Replaced)
	assert.Equal(t, "hello", fx.read(t, "readwrite/a.txt"))

	items, err = fx.trash.Scan(ctx, writer)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestTrashSamePathTwiceGetsDistinctUIDs(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.write(t, "readwrite/a.txt", "x")

	first := fx.trashPath(t, writer, "readwrite/a.txt")
	res, err := fx.trash.Restore(ctx, writer, first.UID, RestoreOptions{})
	require.NoError(t, err)
	res.Resource.Unref()

	// Same clock reading: the uid must still change.
	second := fx.trashPath(t, writer, "readwrite/a.txt")
	assert.NotEqual(t, first.UID, second.UID)
	assert.True(t, second.Timestamp.After(first.Timestamp))
}

func TestTrashPermissions(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.write(t, "readwrite/a.txt", "x")

	f := fx.reg.Lookup("readwrite")
	r, err := f.Resource("a.txt")
	require.NoError(t, err)
	defer r.Unref()

	_, err = fx.trash.Trash(ctx, reader, r, TrashOptions{})
	assert.True(t, share.IsKind(err, share.KindForbidden))

	_, err = fx.trash.Trash(ctx, &share.User{Name: "stranger"}, r, TrashOptions{})
	assert.True(t, share.IsKind(err, share.KindNotFound))

	root, err := f.Resource(".")
	require.NoError(t, err)
	defer root.Unref()
	_, err = fx.trash.Trash(ctx, writer, root, TrashOptions{})
	assert.True(t, share.IsKind(err, share.KindForbidden))

	_, err = fx.trash.Trash(ctx, writer, r, TrashOptions{Type: share.TypeFolder})
	assert.Equal(t, share.CodeNotDir, share.CodeOf(err))

	assert.FileExists(t, r.FullPath())
}

func TestTrashFolderIsAdminOnly(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.write(t, "other/b.txt", "x")

	f := fx.reg.Lookup("other")
	var hooked bool
	f.OnTrash(func(*share.Folder) { hooked = true })

	it := fx.trashPath(t, admin, "other")
	assert.True(t, it.IsFolder)
	assert.Equal(t, share.TypeFolder, it.Type)
	assert.Equal(t, "", it.Origin)
	assert.True(t, hooked)
	assert.True(t, f.Trashed())
	assert.Nil(t, fx.reg.Lookup("other"), "trashed folders leave the registry")

	items, err := fx.trash.Scan(ctx, writer)
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = fx.trash.Scan(ctx, admin)
	require.NoError(t, err)
	require.Len(t, items, 1)

	err = fx.trash.Remove(ctx, writer, it.UID)
	assert.True(t, share.IsKind(err, share.KindNotFound))

	_, err = fx.trash.Restore(ctx, writer, it.UID, RestoreOptions{})
	assert.True(t, share.IsKind(err, share.KindNotFound))

	res, err := fx.trash.Restore(ctx, admin, it.UID, RestoreOptions{})
	require.NoError(t, err)
	defer res.Resource.Unref()
	assert.Equal(t, "other", res.Path)
	assert.Equal(t, share.TypeFolder, res.Stats.Type)

	restored := fx.reg.Lookup("other")
	require.NotNil(t, restored)
	assert.NotSame(t, f, restored)
	assert.True(t, restored.CanWrite(writer), "config is reloaded from the folder")
	assert.Equal(t, "x", fx.read(t, "other/b.txt"))
}

func TestRestoreFileAsFolderConflicts(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "readwrite/a.txt", "x")
	it := fx.trashPath(t, writer, "readwrite/a.txt")

	_, err := fx.trash.Restore(context.Background(), admin, it.UID, RestoreOptions{Path: "newfolder"})
	assert.Equal(t, share.CodeNotDir, share.CodeOf(err))

	_, err = fx.trash.Restore(context.Background(), writer, it.UID, RestoreOptions{Path: "newfolder"})
	assert.True(t, share.IsKind(err, share.KindForbidden))
}

func TestRestoreRenameOnConflict(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.write(t, "readwrite/name", "v1")
	first := fx.trashPath(t, writer, "readwrite/name")
	fx.write(t, "readwrite/name", "v2")
	second := fx.trashPath(t, writer, "readwrite/name")
	fx.write(t, "readwrite/name", "v3")

	res, err := fx.trash.Restore(ctx, writer, first.UID, RestoreOptions{})
	require.NoError(t, err)
	res.Resource.Unref()
	assert.Equal(t, "readwrite/[#1] name", res.Path)
	assert.Equal(t, "v1", fx.read(t, "readwrite/[#1] name"))

	res, err = fx.trash.Restore(ctx, writer, second.UID, RestoreOptions{})
	require.NoError(t, err)
	res.Resource.Unref()
	assert.Equal(t, "readwrite/[#2] name", res.Path)
	assert.Equal(t, "v2", fx.read(t, "readwrite/[#2] name"))
	assert.Equal(t, "v3", fx.read(t, "readwrite/name"))
}

func TestRestoreWithoutRenameConflicts(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "readwrite/a.txt", "old")
	it := fx.trashPath(t, writer, "readwrite/a.txt")
	fx.write(t, "readwrite/a.txt", "new")

	no := false
	_, err := fx.trash.Restore(context.Background(), writer, it.UID, RestoreOptions{Rename: &no})
	assert.Equal(t, share.CodeExists, share.CodeOf(err))

	items, err := fx.trash.Scan(context.Background(), writer)
	require.NoError(t, err)
	assert.Len(t, items, 1, "a failed restore leaves the item in the trash")
}

func TestRestoreReplace(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.write(t, "readwrite/a.txt", "old")
	it := fx.trashPath(t, writer, "readwrite/a.txt")
	fx.write(t, "readwrite/a.txt", "occupant")

	res, err := fx.trash.Restore(ctx, writer, it.UID, RestoreOptions{Replace: true})
	require.NoError(t, err)
	defer res.Resource.Unref()

	require.NotNil(t, res.Replaced)
	assert.Equal(t, "readwrite/a.txt", res.Replaced.Origin)
	assert.NotEqual(t, it.UID, res.Replaced.ItemUID)
	assert.Equal(t, "old", fx.read(t, "readwrite/a.txt"))

	items, err := fx.trash.Scan(ctx, writer)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, res.Replaced.ItemUID, items[0].UID)

	// The former occupant can come back under a new name.
	back, err := fx.trash.Restore(ctx, writer, res.Replaced.ItemUID, RestoreOptions{})
	require.NoError(t, err)
	back.Resource.Unref()
	assert.Equal(t, "readwrite/[#1] a.txt", back.Path)
	assert.Equal(t, "occupant", fx.read(t, back.Path))
}

func TestRestoreReplaceNeedsSameType(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// A file may not replace a directory.
	fx.write(t, "readwrite/x", "file")
	file := fx.trashPath(t, writer, "readwrite/x")
	fx.write(t, "readwrite/x/inner.txt", "kept")

	_, err := fx.trash.Restore(ctx, writer, file.UID, RestoreOptions{Replace: true})
	assert.True(t, share.IsKind(err, share.KindConflict))
	assert.Equal(t, share.CodeIsDir, share.CodeOf(err))
	assert.Equal(t, "kept", fx.read(t, "readwrite/x/inner.txt"))

	// Nor a directory a file.
	fx.write(t, "readwrite/d/a.txt", "dir")
	dir := fx.trashPath(t, writer, "readwrite/d")
	fx.write(t, "readwrite/d", "occupant")

	_, err = fx.trash.Restore(ctx, writer, dir.UID, RestoreOptions{Replace: true})
	assert.True(t, share.IsKind(err, share.KindConflict))
	assert.Equal(t, share.CodeNotDir, share.CodeOf(err))
	assert.Equal(t, "occupant", fx.read(t, "readwrite/d"))

	items, err := fx.trash.Scan(ctx, writer)
	require.NoError(t, err)
	require.Len(t, items, 2)
	uids := []string{items[0].UID, items[1].UID}
	assert.ElementsMatch(t, []string{file.UID, dir.UID}, uids)
}

func TestRestoreReplaceRollsBack(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.write(t, "readwrite/a.txt", "old")
	it := fx.trashPath(t, writer, "readwrite/a.txt")
	fx.write(t, "readwrite/a.txt", "occupant")

	failure := errors.New("device unplugged")
	fx.trash.move = func(src, dst string) error {
		if filepath.Base(src) == it.UID {
			return failure
		}
		return os.Rename(src, dst)
	}

	_, err := fx.trash.Restore(ctx, writer, it.UID, RestoreOptions{Replace: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, "occupant", fx.read(t, "readwrite/a.txt"))

	items, err := fx.trash.Scan(ctx, writer)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, it.UID, items[0].UID)
}

func TestTrashRejectsExpiredResource(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "readwrite/a.txt", "x")

	r, err := fx.reg.Lookup("readwrite").Resource("a.txt")
	require.NoError(t, err)
	defer r.Unref()
	r.Expire(nil)

	_, err = fx.trash.Trash(context.Background(), writer, r, TrashOptions{})
	assert.True(t, share.IsKind(err, share.KindNotFound))
	assert.Equal(t, "x", fx.read(t, "readwrite/a.txt"))
}

func TestRestoreParents(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.write(t, "readwrite/deep/dir/a.txt", "x")
	it := fx.trashPath(t, writer, "readwrite/deep")
	assert.Equal(t, share.TypeFolder, it.Type)

	fx.write(t, "readwrite/b.txt", "y")
	file := fx.trashPath(t, writer, "readwrite/b.txt")

	_, err := fx.trash.Restore(ctx, writer, file.UID, RestoreOptions{Path: "readwrite/missing/sub/b.txt"})
	assert.True(t, share.IsKind(err, share.KindNotFound))

	res, err := fx.trash.Restore(ctx, writer, file.UID, RestoreOptions{Path: "readwrite/missing/sub/b.txt", Parents: true})
	require.NoError(t, err)
	res.Resource.Unref()
	assert.Equal(t, "y", fx.read(t, "readwrite/missing/sub/b.txt"))

	res, err = fx.trash.Restore(ctx, writer, it.UID, RestoreOptions{})
	require.NoError(t, err)
	res.Resource.Unref()
	assert.Equal(t, "x", fx.read(t, "readwrite/deep/dir/a.txt"))
}

func TestRestoreRejectsBadUID(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.trash.Restore(context.Background(), admin, "not-a-uid", RestoreOptions{})
	assert.True(t, share.IsKind(err, share.KindInvalid))

	missing := Encode(false, time.Now(), "readwrite/gone.txt")
	_, err = fx.trash.Restore(context.Background(), admin, missing, RestoreOptions{})
	assert.True(t, share.IsKind(err, share.KindNotFound))
}

func TestRemoveAndEmpty(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.write(t, "readwrite/a.txt", "x")
	fx.write(t, "readwrite/b.txt", "x")
	fx.write(t, "other/c.txt", "x")
	a := fx.trashPath(t, writer, "readwrite/a.txt")
	fx.trashPath(t, writer, "readwrite/b.txt")
	fx.trashPath(t, writer, "other/c.txt")
	fx.trashPath(t, admin, "other")

	require.NoError(t, fx.trash.Remove(ctx, writer, a.UID))
	require.NoError(t, fx.trash.Remove(ctx, writer, a.UID), "already gone is fine")

	// "other" is no longer registered, so writer only sees readwrite items.
	n, err := fx.trash.Empty(ctx, writer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := fx.trash.Scan(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	n, err = fx.trash.Empty(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(fx.trash.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScanSkipsForeignEntries(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(fx.trash.Dir(), "garbage"), nil, 0644))
	fx.write(t, "readwrite/B.txt", "x")
	fx.write(t, "readwrite/a.txt", "x")
	fx.trashPath(t, writer, "readwrite/B.txt")
	fx.trashPath(t, writer, "readwrite/a.txt")

	items, err := fx.trash.Scan(context.Background(), admin)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a.txt", items[0].Name)
	assert.Equal(t, "B.txt", items[1].Name)
}

func TestPurge(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "readwrite/old.txt", "x")
	fx.trashPath(t, writer, "readwrite/old.txt")

	fx.clock = fx.clock.Add(48 * time.Hour)
	fx.write(t, "readwrite/new.txt", "x")
	fresh := fx.trashPath(t, writer, "readwrite/new.txt")

	n, err := fx.trash.Purge(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := fx.trash.Scan(context.Background(), admin)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, fresh.UID, items[0].UID)
}

func TestNextName(t *testing.T) {
	fx := newFixture(t)
	tests := map[string]string{
		"name":         "[#1] name",
		"[#1] name":    "[#2] name",
		"[ #9 ]  name": "[#10] name",
		"[#x] name":    "[#1] [#x] name",
		"[#41] [#1] a": "[#42] [#1] a",
	}
	for in, want := range tests {
		assert.Equal(t, want, fx.trash.nextName(in), in)
	}
}

func TestNewRejectsBadRenameConfig(t *testing.T) {
	reg := &registry{root: t.TempDir(), folders: map[string]*share.Folder{}}
	_, err := New(Config{Dir: t.TempDir(), Registry: reg, RenameFormat: "copy "})
	assert.Error(t, err)
	_, err = New(Config{Dir: t.TempDir(), Registry: reg, RenamePattern: `^(.*)$`})
	assert.Error(t, err)
	_, err = New(Config{Dir: t.TempDir()})
	assert.Error(t, err)
}
