// Package manager owns the shared root: the folder registry, the users,
// the lock registry, the trash and the change feed.
package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vdust/partage/internal/ctl"
	"github.com/vdust/partage/internal/events"
	"github.com/vdust/partage/internal/lock"
	"github.com/vdust/partage/internal/logging"
	"github.com/vdust/partage/internal/metrics"
	"github.com/vdust/partage/internal/share"
	"github.com/vdust/partage/internal/storage"
	"github.com/vdust/partage/internal/trash"
)

// DefaultTrashDir is the trash directory name under the root.
const DefaultTrashDir = ".trash"

// Config configures a Manager.
type Config struct {
	Root string
	// TrashDir defaults to DefaultTrashDir under Root. It must live on the
	// same filesystem as Root.
	TrashDir      string
	LockTimeout   time.Duration
	RenameFormat  string
	RenamePattern string
	Users         []share.User
	// Now overrides the trash clock. Tests only.
	Now func() time.Time
}

// Manager is the entry point to the shared root.
type Manager struct {
	root      *storage.Local
	locker    *lock.Locker
	events    *events.Broadcaster
	trash     *trash.Trash
	users     map[string]*share.User
	discovery *ctl.Action[struct{}]

	mu      sync.RWMutex
	folders map[string]*share.Folder
}

// New opens the root, creating it and the trash directory if needed.
// Folders are discovered by Init.
func New(cfg Config) (*Manager, error) {
	root, err := storage.New(storage.Config{RootPath: cfg.Root, CreateDirs: true})
	if err != nil {
		return nil, fmt.Errorf("open root: %w", err)
	}

	trashDir := cfg.TrashDir
	if trashDir == "" {
		trashDir = DefaultTrashDir
	}
	if !filepath.IsAbs(trashDir) {
		trashDir = root.FullPath(trashDir)
	}

	m := &Manager{
		root:      root,
		locker:    lock.NewLocker(cfg.LockTimeout),
		events:    events.NewBroadcaster(),
		users:     make(map[string]*share.User, len(cfg.Users)),
		discovery: ctl.New[struct{}]("init", ctl.WithMode(ctl.Once)),
		folders:   make(map[string]*share.Folder),
	}
	for i := range cfg.Users {
		u := cfg.Users[i]
		m.users[u.Name] = &u
	}

	m.trash, err = trash.New(trash.Config{
		Dir:           trashDir,
		RenameFormat:  cfg.RenameFormat,
		RenamePattern: cfg.RenamePattern,
		Registry:      m,
		Locker:        m.locker,
		Events:        m.events,
		Now:           cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("open trash: %w", err)
	}
	return m, nil
}

// Init registers every visible directory under the root as a shared
// folder. A folder whose config cannot be read is registered with the
// default config and the error is logged. Discovery runs once; later
// calls return its outcome.
func (m *Manager) Init(ctx context.Context) error {
	_, err := m.discovery.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.discover(ctx)
	})
	return err
}

// discover adopts the directories that have no registered folder yet.
func (m *Manager) discover(ctx context.Context) error {
	names, err := m.root.Dirs()
	if err != nil {
		return fmt.Errorf("discover folders: %w", err)
	}
	for _, name := range names {
		if m.Lookup(name) != nil {
			continue
		}
		f, err := m.Adopt(ctx, name)
		if f == nil {
			logging.Warn("skipping folder", zap.String("folder", name), zap.Error(err))
			continue
		}
		if err != nil {
			logging.Warn("folder config not loaded", zap.String("folder", name), zap.Error(err))
		}
	}
	logging.Info("folders discovered", zap.Int("count", m.Len()), zap.String("root", m.Root()))
	return nil
}

// Root returns the absolute root path.
func (m *Manager) Root() string { return m.root.Root() }

// Locker returns the lock registry.
func (m *Manager) Locker() *lock.Locker { return m.locker }

// Events returns the change feed.
func (m *Manager) Events() *events.Broadcaster { return m.events }

// Trash returns the trash.
func (m *Manager) Trash() *trash.Trash { return m.trash }

// Len returns the number of registered folders.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.folders)
}

// User returns the configured user, or a plain user with no grants for an
// unknown name. The empty name has no user.
func (m *Manager) User(name string) *share.User {
	if name == "" {
		return nil
	}
	if u, ok := m.users[name]; ok {
		return u
	}
	return &share.User{Name: name}
}

// Users returns the configured users by name.
func (m *Manager) Users() []share.User {
	users := make([]share.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users
}

// Lookup returns the registered folder or nil.
func (m *Manager) Lookup(name string) *share.Folder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.folders[name]
}

// Folder returns the folder if user may read it. Unreadable folders are
// reported as missing.
func (m *Manager) Folder(user *share.User, name string) (*share.Folder, error) {
	f := m.Lookup(name)
	if f == nil || !f.CanRead(user) {
		return nil, share.NotFound("folder", name)
	}
	return f, nil
}

// Folders returns the folders user may read, by name.
func (m *Manager) Folders(user *share.User) []*share.Folder {
	m.mu.RLock()
	list := make([]*share.Folder, 0, len(m.folders))
	for _, f := range m.folders {
		list = append(list, f)
	}
	m.mu.RUnlock()

	visible := list[:0]
	for _, f := range list {
		if f.CanRead(user) {
			visible = append(visible, f)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return share.LessName(visible[i].Name(), visible[j].Name()) })
	return visible
}

// Resource resolves a "folder/path" for user. The caller must Unref the
// returned resource.
func (m *Manager) Resource(user *share.User, p string) (*share.Resource, error) {
	clean, err := share.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	if clean == "." {
		return nil, share.Invalid("resolve", p, "no folder in path")
	}
	name, rel := share.SplitPath(clean)
	f, err := m.Folder(user, name)
	if err != nil {
		return nil, err
	}
	return f.Resource(rel)
}

// Adopt registers the folder directory name, replacing any previous
// registration, and loads its config. The folder is returned even when
// the config could not be loaded.
func (m *Manager) Adopt(ctx context.Context, name string) (*share.Folder, error) {
	f, err := share.NewFolder(m.Root(), name, m.locker)
	if err != nil {
		return nil, err
	}
	f.OnTrash(m.Unregister)
	m.register(f)
	if err := f.LoadConfig(ctx); err != nil {
		return f, err
	}
	return f, nil
}

func (m *Manager) register(f *share.Folder) {
	m.mu.Lock()
	old := m.folders[f.Name()]
	m.folders[f.Name()] = f
	n := len(m.folders)
	m.mu.Unlock()

	if old != nil && old != f {
		logging.Debug("folder registration replaced", zap.String("folder", f.Name()))
	}
	metrics.SetFoldersRegistered(n)
}

// Unregister removes f if it is still the registered folder for its name.
func (m *Manager) Unregister(f *share.Folder) {
	m.mu.Lock()
	name := f.Name()
	removed := m.folders[name] == f
	if removed {
		delete(m.folders, name)
	}
	n := len(m.folders)
	m.mu.Unlock()

	if removed {
		metrics.SetFoldersRegistered(n)
		m.events.Publish(events.Event{Type: events.EventFolderTrashed, Folder: name})
	}
}

func (m *Manager) requireAdmin(op, name string, user *share.User) error {
	if !user.Is(share.LevelAdmin) {
		return share.Forbidden(op, name)
	}
	return nil
}

func (m *Manager) lock(ctx context.Context, name string) (lock.Release, error) {
	release, err := m.locker.Acquire(ctx, name, true, 0)
	if err != nil {
		return nil, share.FromOS("lock", name, err)
	}
	return release, nil
}

// CreateFolder creates a shared folder with cfg as its initial config.
func (m *Manager) CreateFolder(ctx context.Context, user *share.User, name string, cfg share.Config) (*share.Folder, error) {
	if err := m.requireAdmin("create", name, user); err != nil {
		return nil, err
	}
	name, err := share.SanitizeName(name)
	if err != nil {
		return nil, err
	}

	release, err := m.lock(ctx, lock.NameFolderEdit)
	if err != nil {
		return nil, err
	}
	defer release()

	if m.Lookup(name) != nil {
		return nil, share.Conflict("create", name, share.CodeExists)
	}

	f, err := share.NewFolder(m.Root(), name, m.locker)
	if err != nil {
		return nil, err
	}
	root, err := f.Resource(".")
	if err != nil {
		return nil, err
	}
	_, err = root.Mkdir(ctx, share.MkdirOptions{Strict: true})
	root.Unref()
	if err != nil {
		return nil, err
	}

	f.Configure(cfg, true)
	if err := f.SaveConfig(ctx); err != nil {
		return nil, err
	}
	f.OnTrash(m.Unregister)
	m.register(f)

	m.events.Publish(events.Event{Type: events.EventFolderCreate, Folder: name, User: user.Name})
	logging.Info("folder created", zap.String("folder", name), zap.String("user", user.Name))
	return f, nil
}

// RenameFolder renames a shared folder. Renames run one at a time.
func (m *Manager) RenameFolder(ctx context.Context, user *share.User, oldName, newName string) (*share.Folder, error) {
	if err := m.requireAdmin("rename", oldName, user); err != nil {
		return nil, err
	}
	newName, err := share.SanitizeName(newName)
	if err != nil {
		return nil, err
	}

	release, err := m.lock(ctx, lock.NameFolderEdit)
	if err != nil {
		return nil, err
	}
	defer release()

	f := m.Lookup(oldName)
	if f == nil {
		return nil, share.NotFound("rename", oldName)
	}
	if newName == oldName {
		return f, nil
	}
	if m.Lookup(newName) != nil {
		return nil, share.Conflict("rename", newName, share.CodeExists)
	}

	if err := f.Rename(ctx, newName); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.folders[oldName] == f {
		delete(m.folders, oldName)
	}
	m.folders[newName] = f
	m.mu.Unlock()

	m.events.Publish(events.Event{Type: events.EventFolderRename, Folder: oldName, NewPath: newName, User: user.Name})
	return f, nil
}

// ConfigureFolder updates a folder config and writes it to disk. With all
// set, cfg replaces the config; otherwise only its non-nil parts apply.
func (m *Manager) ConfigureFolder(ctx context.Context, user *share.User, name string, cfg share.Config, all bool) (share.Config, error) {
	if err := m.requireAdmin("configure", name, user); err != nil {
		return share.Config{}, err
	}
	f := m.Lookup(name)
	if f == nil {
		return share.Config{}, share.NotFound("configure", name)
	}
	if f.Configure(cfg, all) {
		if err := f.SaveConfig(ctx); err != nil {
			return share.Config{}, err
		}
		m.events.Publish(events.Event{Type: events.EventFolderConfig, Folder: name, User: user.Name})
	}
	return f.Config(), nil
}

// DeleteFolder moves a shared folder to the trash.
func (m *Manager) DeleteFolder(ctx context.Context, user *share.User, name string) (trash.Item, error) {
	if err := m.requireAdmin("delete", name, user); err != nil {
		return trash.Item{}, err
	}

	// Same order as a folder restore: trash, then folder edits.
	releaseTrash, err := m.lock(ctx, lock.NameTrash)
	if err != nil {
		return trash.Item{}, err
	}
	defer releaseTrash()
	releaseEdit, err := m.lock(ctx, lock.NameFolderEdit)
	if err != nil {
		return trash.Item{}, err
	}
	defer releaseEdit()

	f := m.Lookup(name)
	if f == nil {
		return trash.Item{}, share.NotFound("delete", name)
	}
	root, err := f.Resource(".")
	if err != nil {
		return trash.Item{}, err
	}
	defer root.Unref()

	return m.trash.Trash(ctx, user, root, trash.TrashOptions{Type: share.TypeFolder, Reentrant: true})
}
