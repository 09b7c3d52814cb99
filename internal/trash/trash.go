// Package trash implements the soft-delete store: trashed resources are
// moved into a single directory under an encoded name that records what
// they were and where they came from, and can be restored from there.
package trash

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vdust/partage/internal/events"
	"github.com/vdust/partage/internal/lock"
	"github.com/vdust/partage/internal/logging"
	"github.com/vdust/partage/internal/metrics"
	"github.com/vdust/partage/internal/share"
	"github.com/vdust/partage/internal/storage"
)

// Defaults for renaming restored items whose destination is taken.
const (
	DefaultRenameFormat  = "[#%d] "
	DefaultRenamePattern = `^\[ *#([0-9]+) *\] *(.*)$`
)

// Registry resolves shared folders by name. The manager implements it.
type Registry interface {
	// Root returns the directory holding the shared folders.
	Root() string
	// Lookup returns the registered folder or nil.
	Lookup(name string) *share.Folder
	// Adopt registers the folder directory that just appeared under the
	// root and loads its config. The folder is returned even when loading
	// the config failed.
	Adopt(ctx context.Context, name string) (*share.Folder, error)
}

// Item describes a trashed entry.
type Item struct {
	UID       string     `json:"uid" yaml:"uid"`
	Name      string     `json:"name" yaml:"name"`
	Type      share.Type `json:"type" yaml:"type"`
	Mime      string     `json:"mime,omitempty" yaml:"mime,omitempty"`
	Timestamp time.Time  `json:"timestamp" yaml:"timestamp"`
	Folder    string     `json:"folder" yaml:"folder"`
	IsFolder  bool       `json:"isFolder" yaml:"isFolder"`
	Origin    string     `json:"origin" yaml:"origin"`
	Path      string     `json:"path" yaml:"path"`
}

func newItem(uid string, id ID) Item {
	folder, _ := share.SplitPath(id.Path)
	it := Item{
		UID:       uid,
		Name:      path.Base(id.Path),
		Type:      share.TypeFile,
		Timestamp: id.Time,
		Folder:    folder,
		IsFolder:  !strings.Contains(id.Path, "/"),
		Path:      id.Path,
	}
	if !it.IsFolder {
		it.Origin = path.Dir(id.Path)
	}
	if id.Dir {
		it.Type = share.TypeFolder
	} else {
		it.Mime = share.MimeType(it.Name)
	}
	return it
}

// Config configures a Trash.
type Config struct {
	// Dir is the trash directory. It is created if missing.
	Dir           string
	RenameFormat  string
	RenamePattern string
	Registry      Registry
	Locker        *lock.Locker
	Events        *events.Broadcaster
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Trash is the soft-delete store.
type Trash struct {
	dir       string
	reg       Registry
	locker    *lock.Locker
	events    *events.Broadcaster
	renameFmt string
	renameRe  *regexp.Regexp
	now       func() time.Time
	move      func(src, dst string) error

	mu   sync.Mutex
	last int64
}

// New creates the trash.
func New(cfg Config) (*Trash, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("trash registry is required")
	}
	if cfg.RenameFormat == "" {
		cfg.RenameFormat = DefaultRenameFormat
	}
	if cfg.RenamePattern == "" {
		cfg.RenamePattern = DefaultRenamePattern
	}
	if strings.Count(cfg.RenameFormat, "%d") != 1 {
		return nil, fmt.Errorf("rename format %q must hold exactly one %%d", cfg.RenameFormat)
	}
	re, err := regexp.Compile(cfg.RenamePattern)
	if err != nil {
		return nil, fmt.Errorf("compile rename pattern: %w", err)
	}
	if re.NumSubexp() != 2 {
		return nil, fmt.Errorf("rename pattern %q must have two groups", cfg.RenamePattern)
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocker(0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create trash dir %s: %w", cfg.Dir, err)
	}

	return &Trash{
		dir:       cfg.Dir,
		reg:       cfg.Registry,
		locker:    cfg.Locker,
		events:    cfg.Events,
		renameFmt: cfg.RenameFormat,
		renameRe:  re,
		now:       cfg.Now,
		move:      storage.Rename,
	}, nil
}

// Dir returns the trash directory.
func (t *Trash) Dir() string { return t.dir }

// stamp returns a timestamp strictly later than any previous one.
func (t *Trash) stamp() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	ms := t.now().UnixMilli()
	if ms <= t.last {
		ms = t.last + 1
	}
	t.last = ms
	return time.UnixMilli(ms)
}

func (t *Trash) lock(ctx context.Context, name string, exclusive, reentrant bool) (lock.Release, error) {
	if reentrant {
		return func() {}, nil
	}
	release, err := t.locker.Acquire(ctx, name, exclusive, 0)
	if err != nil {
		return nil, share.FromOS("lock", name, err)
	}
	return release, nil
}

// visible reports whether user may see item. Whole folders are for admins
// only; other items need write access on their folder.
func (t *Trash) visible(user *share.User, it Item) bool {
	if user.Is(share.LevelAdmin) {
		return true
	}
	if it.IsFolder {
		return false
	}
	f := t.reg.Lookup(it.Folder)
	return f != nil && f.CanWrite(user)
}

// list decodes the trash directory. Entries with invalid names are skipped.
func (t *Trash) list() ([]Item, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, share.FromOS("scan", "trash", err)
	}
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		id, err := Decode(e.Name())
		if err != nil {
			logging.Debug("skipping trash entry", zap.String("name", e.Name()), zap.Error(err))
			continue
		}
		items = append(items, newItem(e.Name(), id))
	}
	return items, nil
}

// Scan lists the items visible to user, by name then origin.
func (t *Trash) Scan(ctx context.Context, user *share.User) ([]Item, error) {
	release, err := t.lock(ctx, lock.NameTrash, false, false)
	if err != nil {
		return nil, err
	}
	defer release()

	all, err := t.list()
	if err != nil {
		return nil, err
	}
	items := all[:0]
	for _, it := range all {
		if t.visible(user, it) {
			items = append(items, it)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := strings.ToLower(items[i].Name), strings.ToLower(items[j].Name)
		if a != b {
			return a < b
		}
		return items[i].Origin < items[j].Origin
	})
	return items, nil
}

// TrashOptions controls Trash.Trash.
type TrashOptions struct {
	// Type, when set, is the type the resource is expected to have.
	Type share.Type
	// Reentrant skips the trash lock; the caller already holds it.
	Reentrant bool
}

// Trash moves r into the trash. Trashing a folder root needs admin rights
// and deletes the shared folder; anything else needs write access.
func (t *Trash) Trash(ctx context.Context, user *share.User, r *share.Resource, opts TrashOptions) (it Item, err error) {
	defer func() { metrics.RecordTrashOperation("trash", err == nil) }()

	release, err := t.lock(ctx, lock.NameTrash, true, opts.Reentrant)
	if err != nil {
		return Item{}, err
	}
	defer release()

	f := r.Folder()
	if r.IsRoot() {
		if !user.Is(share.LevelAdmin) {
			return Item{}, share.Forbidden("trash", r.Path())
		}
	} else if !f.CanWrite(user) {
		if !f.CanRead(user) {
			return Item{}, share.NotFound("trash", r.Path())
		}
		return Item{}, share.Forbidden("trash", r.Path())
	}

	unlock, err := r.Lock(ctx)
	if err != nil {
		return Item{}, err
	}
	defer unlock()

	// An expired handle no longer names what lives at its path.
	if r.Expired() {
		return Item{}, share.NotFound("trash", r.Path())
	}

	st, err := r.Stat(ctx)
	if err != nil {
		return Item{}, err
	}
	if opts.Type != "" && st.Type != opts.Type {
		code := share.CodeNotDir
		if st.IsDir() {
			code = share.CodeIsDir
		}
		return Item{}, share.Conflict("trash", r.Path(), code)
	}

	src := r.Path()
	uid := Encode(st.IsDir(), t.stamp(), src)
	if err := t.move(r.FullPath(), filepath.Join(t.dir, uid)); err != nil {
		return Item{}, share.FromOS("trash", src, err)
	}

	r.Expire(nil)
	if r.IsRoot() {
		f.MarkTrashed()
	}

	id, _ := Decode(uid)
	it = newItem(uid, id)
	t.events.Publish(events.Event{Type: events.EventTrash, Folder: it.Folder, Path: src, UID: uid, User: userName(user)})
	logging.Info("resource trashed", zap.String("path", src), zap.String("uid", uid), zap.String("user", userName(user)))
	return it, nil
}

// Remove deletes a trashed item for good. An item that is already gone
// counts as removed.
func (t *Trash) Remove(ctx context.Context, user *share.User, uid string) (err error) {
	defer func() { metrics.RecordTrashOperation("remove", err == nil) }()

	id, err := Decode(uid)
	if err != nil {
		return err
	}
	it := newItem(uid, id)
	if !t.visible(user, it) {
		return share.NotFound("remove", uid)
	}

	release, err := t.lock(ctx, lock.NameTrash, true, false)
	if err != nil {
		return err
	}
	defer release()

	if err := storage.Remove(filepath.Join(t.dir, uid)); err != nil {
		return share.FromOS("remove", it.Path, err)
	}
	t.events.Publish(events.Event{Type: events.EventRemove, Folder: it.Folder, Path: it.Path, UID: uid, User: userName(user)})
	return nil
}

// Empty removes every item visible to user. Failures are logged and
// skipped; the number of removed items is returned.
func (t *Trash) Empty(ctx context.Context, user *share.User) (int, error) {
	release, err := t.lock(ctx, lock.NameTrash, true, false)
	if err != nil {
		return 0, err
	}
	defer release()

	items, err := t.list()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, it := range items {
		if !t.visible(user, it) {
			continue
		}
		if err := storage.Remove(filepath.Join(t.dir, it.UID)); err != nil {
			logging.Warn("failed to remove trash item",
				zap.String("uid", it.UID),
				zap.String("path", it.Path),
				zap.Error(err))
			metrics.RecordTrashOperation("empty", false)
			continue
		}
		metrics.RecordTrashOperation("empty", true)
		removed++
	}
	t.events.Publish(events.Event{Type: events.EventEmpty, User: userName(user)})
	logging.Info("trash emptied", zap.Int("removed", removed), zap.String("user", userName(user)))
	return removed, nil
}

// Purge removes items trashed more than retention ago.
func (t *Trash) Purge(ctx context.Context, retention time.Duration) (int, error) {
	release, err := t.lock(ctx, lock.NameTrash, true, false)
	if err != nil {
		return 0, err
	}
	defer release()

	items, err := t.list()
	if err != nil {
		return 0, err
	}
	cutoff := t.now().Add(-retention)
	purged := 0
	for _, it := range items {
		if !it.Timestamp.Before(cutoff) {
			continue
		}
		if err := storage.Remove(filepath.Join(t.dir, it.UID)); err != nil {
			logging.Warn("failed to purge trash item", zap.String("uid", it.UID), zap.Error(err))
			metrics.RecordTrashOperation("purge", false)
			continue
		}
		metrics.RecordTrashOperation("purge", true)
		purged++
	}
	return purged, nil
}

func userName(u *share.User) string {
	if u == nil {
		return ""
	}
	return u.Name
}
