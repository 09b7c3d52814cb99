package share

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vdust/partage/internal/ctl"
	"github.com/vdust/partage/internal/lock"
	"github.com/vdust/partage/internal/logging"
	"github.com/vdust/partage/internal/metrics"
	"github.com/vdust/partage/internal/storage"
)

// FlagSynced is set while the in-memory folder config matches its file.
const FlagSynced = "synced"

var lastFolderUID atomic.Uint64

// ResetUIDs restarts folder uid assignment. Tests only.
func ResetUIDs() {
	lastFolderUID.Store(0)
}

// Folder is a shared top-level directory under the root.
type Folder struct {
	uid    uint64
	root   string
	locker *lock.Locker

	mu        sync.Mutex
	name      string
	renaming  bool
	trashed   bool
	resources map[string]*Resource
	onTrash   []func(*Folder)

	cfgMu       sync.Mutex
	accessList  AccessList
	description string
	tasks       map[string]any

	flags *ctl.Flags
	load  *ctl.Action[struct{}]
	save  *ctl.Action[struct{}]
}

// NewFolder creates the in-memory folder for root/name. Nothing is read
// from disk until LoadConfig.
func NewFolder(root, name string, locker *lock.Locker) (*Folder, error) {
	name, err := SanitizeName(name)
	if err != nil {
		return nil, err
	}
	if locker == nil {
		locker = lock.NewLocker(0)
	}
	flags := ctl.NewFlags()
	return &Folder{
		uid:        lastFolderUID.Add(1),
		root:       root,
		locker:     locker,
		name:       name,
		resources:  make(map[string]*Resource),
		accessList: AccessList{},
		tasks:      map[string]any{},
		flags:      flags,
		load:       ctl.New[struct{}]("load_config", ctl.WithCond(flags, FlagSynced)),
		save:       ctl.New[struct{}]("save_config", ctl.WithMode(ctl.Pending), ctl.WithCond(flags, FlagSynced)),
	}, nil
}

// UID returns the process-local folder identifier.
func (f *Folder) UID() uint64 { return f.uid }

// Root returns the directory holding the folder.
func (f *Folder) Root() string { return f.root }

// Name returns the folder name.
func (f *Folder) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

// Path returns the absolute folder path.
func (f *Folder) Path() string {
	return filepath.Join(f.root, f.Name())
}

// Locker returns the lock registry shared with the folder's resources.
func (f *Folder) Locker() *lock.Locker { return f.locker }

// Resource returns the live resource for relpath with a new reference,
// creating it on first use.
func (f *Folder) Resource(relpath string) (*Resource, error) {
	rel, err := NormalizePath(relpath)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	if r, ok := f.resources[rel]; ok {
		r.refs++
		f.mu.Unlock()
		return r, nil
	}
	r := newResource(f, rel)
	f.resources[rel] = r
	f.mu.Unlock()
	metrics.AddResourcesLive(1)
	return r, nil
}

// Stat stats the folder root.
func (f *Folder) Stat(ctx context.Context) (Stats, error) {
	r, err := f.Resource(".")
	if err != nil {
		return Stats{}, err
	}
	defer r.Unref()
	return r.Stat(ctx)
}

// Len returns the number of live resources.
func (f *Folder) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resources)
}

// Access returns the level granted to user, ignoring admin rights.
func (f *Folder) Access(user *User) Access {
	if user == nil {
		return AccessNone
	}
	f.cfgMu.Lock()
	defer f.cfgMu.Unlock()
	return f.accessList[user.Name]
}

// Can reports whether user holds access on the folder. Admins always do.
func (f *Folder) Can(access Access, user *User) bool {
	ok := user.Is(LevelAdmin) || f.Access(user).Satisfies(access)
	metrics.RecordPermissionCheck(ok)
	return ok
}

// CanRead reports read access.
func (f *Folder) CanRead(user *User) bool { return f.Can(AccessRO, user) }

// CanWrite reports write access.
func (f *Folder) CanWrite(user *User) bool { return f.Can(AccessRW, user) }

// Rename renames the folder directory. Renames of one folder must be
// serialized by the caller; overlapping calls fail with CodeRenaming.
func (f *Folder) Rename(ctx context.Context, newName string) error {
	newName, err := SanitizeName(newName)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.renaming {
		f.mu.Unlock()
		return newError(KindInternal, CodeRenaming, "rename", f.name, nil)
	}
	oldName := f.name
	if oldName == newName {
		f.mu.Unlock()
		return nil
	}
	f.renaming = true
	f.mu.Unlock()

	err = storage.Rename(filepath.Join(f.root, oldName), filepath.Join(f.root, newName))

	f.mu.Lock()
	f.renaming = false
	if err != nil {
		f.mu.Unlock()
		return FromOS("rename", oldName, err)
	}
	f.name = newName
	root := f.resources["."]
	live := make([]*Resource, 0, len(f.resources))
	for _, r := range f.resources {
		live = append(live, r)
	}
	f.mu.Unlock()

	for _, r := range live {
		r.clearCache()
	}
	if root != nil {
		root.Expire(nil)
	}
	logging.Info("folder renamed", zap.String("from", oldName), zap.String("to", newName))
	return nil
}

// OnTrash registers fn to run when the folder root goes to the trash.
func (f *Folder) OnTrash(fn func(*Folder)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrash = append(f.onTrash, fn)
}

// MarkTrashed flags the folder as deleted and runs the trash hooks once.
func (f *Folder) MarkTrashed() {
	f.mu.Lock()
	if f.trashed {
		f.mu.Unlock()
		return
	}
	f.trashed = true
	hooks := f.onTrash
	f.onTrash = nil
	live := make([]*Resource, 0, len(f.resources))
	for _, r := range f.resources {
		live = append(live, r)
	}
	f.mu.Unlock()

	for _, r := range live {
		r.Expire(nil)
	}
	for _, fn := range hooks {
		fn(f)
	}
}

// Trashed reports whether the folder root went to the trash.
func (f *Folder) Trashed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trashed
}
