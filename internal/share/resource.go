package share

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vdust/partage/internal/ctl"
	"github.com/vdust/partage/internal/lock"
	"github.com/vdust/partage/internal/logging"
	"github.com/vdust/partage/internal/metrics"
	"github.com/vdust/partage/internal/storage"
)

// scanConcurrency bounds the child stats in flight during a scan.
const scanConcurrency = 4

// MkdirOptions controls Resource.Mkdir.
type MkdirOptions struct {
	// Parents creates missing intermediate directories.
	Parents bool
	// Strict fails when the directory already exists.
	Strict bool
}

func (o MkdirOptions) index() int {
	i := 0
	if o.Parents {
		i |= 1
	}
	if o.Strict {
		i |= 2
	}
	return i
}

// Resource is a reference-counted handle on a path inside a folder. At most
// one live Resource exists per (folder, relpath); Folder.Resource returns
// it with a reference the caller must drop with Unref.
type Resource struct {
	folder  *Folder
	relpath string
	uid     string

	// guarded by folder.mu
	refs    int
	onRel   []func()
	expired bool

	mu      sync.Mutex
	stats   *Stats
	listing *Listing

	stat  *ctl.Action[Stats]
	scan  *ctl.Action[Listing]
	mkdir [4]*ctl.Action[Stats]
}

func newResource(f *Folder, relpath string) *Resource {
	r := &Resource{
		folder:  f,
		relpath: relpath,
		uid:     resourceUID(f.uid, relpath),
		refs:    1,
		stat:    ctl.New[Stats]("stat"),
		scan:    ctl.New[Listing]("scan"),
	}
	for i := range r.mkdir {
		r.mkdir[i] = ctl.New[Stats]("mkdir")
	}
	return r
}

func resourceUID(folderUID uint64, relpath string) string {
	h := xxhash.New()
	_, _ = h.WriteString(strconv.FormatUint(folderUID, 10))
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(relpath)
	return strconv.FormatUint(h.Sum64(), 16)
}

// Folder returns the owning folder.
func (r *Resource) Folder() *Folder { return r.folder }

// RelPath returns the path relative to the folder root, "." for the root.
func (r *Resource) RelPath() string { return r.relpath }

// UID returns a stable identifier for the (folder, relpath) pair.
func (r *Resource) UID() string { return r.uid }

// IsRoot reports whether the resource is the folder root.
func (r *Resource) IsRoot() bool { return r.relpath == "." }

// Name returns the last path segment.
func (r *Resource) Name() string {
	if r.IsRoot() {
		return r.folder.Name()
	}
	return path.Base(r.relpath)
}

// Path returns the folder name joined with the relative path.
func (r *Resource) Path() string {
	return path.Join(r.folder.Name(), r.relpath)
}

// FullPath returns the absolute filesystem path.
func (r *Resource) FullPath() string {
	return filepath.Join(r.folder.Path(), filepath.FromSlash(r.relpath))
}

// Ref takes an extra reference. Referencing a released resource panics.
func (r *Resource) Ref() *Resource {
	r.folder.mu.Lock()
	defer r.folder.mu.Unlock()
	if r.refs <= 0 {
		panic("share: ref on released resource " + r.Path())
	}
	r.refs++
	return r
}

// Unref drops a reference. The last one releases the resource: it leaves
// the folder registry and its release hooks run.
func (r *Resource) Unref() {
	f := r.folder
	f.mu.Lock()
	if r.refs <= 0 {
		f.mu.Unlock()
		panic("share: unref on released resource " + r.Path())
	}
	r.refs--
	if r.refs > 0 {
		f.mu.Unlock()
		return
	}
	r.refs = -1
	if f.resources[r.relpath] == r {
		delete(f.resources, r.relpath)
	}
	hooks := r.onRel
	r.onRel = nil
	f.mu.Unlock()

	metrics.AddResourcesLive(-1)
	for _, fn := range hooks {
		fn()
	}
}

// Use runs fn while holding a reference.
func (r *Resource) Use(fn func(*Resource) error) error {
	r.Ref()
	defer r.Unref()
	return fn(r)
}

// Released reports whether the last reference was dropped.
func (r *Resource) Released() bool {
	r.folder.mu.Lock()
	defer r.folder.mu.Unlock()
	return r.refs < 0
}

// Expire detaches the resource from its path: later lookups get a fresh
// object and caches are dropped. onRelease runs once the last reference
// is gone, immediately if it already is.
func (r *Resource) Expire(onRelease func()) {
	f := r.folder
	f.mu.Lock()
	if f.resources[r.relpath] == r {
		delete(f.resources, r.relpath)
	}
	r.expired = true
	released := r.refs < 0
	if !released && onRelease != nil {
		r.onRel = append(r.onRel, onRelease)
	}
	f.mu.Unlock()

	r.clearCache()
	if released && onRelease != nil {
		onRelease()
	}
}

// Expired reports whether Expire was called.
func (r *Resource) Expired() bool {
	r.folder.mu.Lock()
	defer r.folder.mu.Unlock()
	return r.expired
}

func (r *Resource) clearCache() {
	r.mu.Lock()
	r.stats = nil
	r.listing = nil
	r.mu.Unlock()
}

// Cached returns the last stat snapshot, if any.
func (r *Resource) Cached() (Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats == nil {
		return Stats{}, false
	}
	return *r.stats, true
}

// CachedListing returns the last scan result, if any.
func (r *Resource) CachedListing() (Listing, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listing == nil {
		return Listing{}, false
	}
	return *r.listing, true
}

// Stat reads the resource metadata. Concurrent calls share one filesystem
// read.
func (r *Resource) Stat(ctx context.Context) (Stats, error) {
	return r.stat.Do(ctx, func(context.Context) (Stats, error) {
		fi, err := os.Stat(r.FullPath())
		if err != nil {
			r.clearCache()
			return Stats{}, FromOS("stat", r.Path(), err)
		}
		st := statsFromInfo(r.Name(), fi)
		r.mu.Lock()
		r.stats = &st
		r.mu.Unlock()
		return st, nil
	})
}

// Scan lists the visible children of a folder resource. Children that
// disappear while the scan runs are left out.
func (r *Resource) Scan(ctx context.Context) (Listing, error) {
	return r.scan.Do(ctx, func(ctx context.Context) (Listing, error) {
		st, err := r.Stat(ctx)
		if err != nil {
			return Listing{}, err
		}
		if !st.IsDir() {
			return Listing{}, Conflict("scan", r.Path(), CodeNotDir)
		}

		dirents, err := os.ReadDir(r.FullPath())
		if err != nil {
			return Listing{}, FromOS("scan", r.Path(), err)
		}

		var names []string
		for _, d := range dirents {
			if !storage.Hidden(d.Name()) {
				names = append(names, d.Name())
			}
		}

		entries := make([]*Entry, len(names))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(scanConcurrency)
		for i, name := range names {
			g.Go(func() error {
				child, err := r.folder.Resource(path.Join(r.relpath, name))
				if err != nil {
					return err
				}
				defer child.Unref()
				cst, err := child.Stat(gctx)
				if IsKind(err, KindNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				entries[i] = &Entry{Name: name, Stats: cst}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Listing{}, FromOS("scan", r.Path(), err)
		}

		listing := Listing{Dirs: []Entry{}, Files: []Entry{}}
		for _, e := range entries {
			switch {
			case e == nil:
			case e.IsDir():
				listing.Dirs = append(listing.Dirs, *e)
			default:
				listing.Files = append(listing.Files, *e)
			}
		}
		sortEntries(listing.Dirs)
		sortEntries(listing.Files)

		r.mu.Lock()
		r.listing = &listing
		r.mu.Unlock()
		return listing, nil
	})
}

// Lock takes the exclusive lock serializing mutations of the resource.
func (r *Resource) Lock(ctx context.Context) (lock.Release, error) {
	release, err := r.folder.locker.Acquire(ctx, lock.ResourceName(r.folder.uid, r.relpath), true, 0)
	if err != nil {
		return nil, FromOS("lock", r.Path(), err)
	}
	return release, nil
}

// Mkdir creates the directory. An existing directory is accepted unless
// opts.Strict is set; an existing file is a conflict.
func (r *Resource) Mkdir(ctx context.Context, opts MkdirOptions) (Stats, error) {
	return r.mkdir[opts.index()].Do(ctx, func(ctx context.Context) (Stats, error) {
		release, err := r.Lock(ctx)
		if err != nil {
			return Stats{}, err
		}
		defer release()

		st, err := r.Stat(ctx)
		switch {
		case err == nil && st.IsDir():
			if opts.Strict {
				return Stats{}, Conflict("mkdir", r.Path(), CodeExists)
			}
			return st, nil
		case err == nil:
			return Stats{}, Conflict("mkdir", r.Path(), CodeNotDir)
		case !IsKind(err, KindNotFound):
			return Stats{}, err
		}

		if opts.Parents {
			err = os.MkdirAll(r.FullPath(), 0755)
		} else {
			err = os.Mkdir(r.FullPath(), 0755)
		}
		if err != nil {
			return Stats{}, FromOS("mkdir", r.Path(), err)
		}
		return r.refresh(ctx, "mkdir", TypeFolder), nil
	})
}

// refresh re-reads stats after a mutation that already succeeded. A failed
// read is logged and a minimal snapshot returned in its place.
func (r *Resource) refresh(ctx context.Context, op string, typ Type) Stats {
	st, err := r.Stat(ctx)
	if err == nil {
		return st
	}
	logging.Warn("stat refresh failed after mutation",
		zap.String("op", op),
		zap.String("path", r.Path()),
		zap.Error(err))
	st = Stats{Mtime: time.Now(), Type: typ}
	if typ == TypeFile {
		st.Mime = MimeType(r.Name())
	}
	return st
}

// Write replaces the file content atomically with body.
func (r *Resource) Write(ctx context.Context, body io.Reader) (Stats, error) {
	if r.IsRoot() {
		return Stats{}, Conflict("write", r.Path(), CodeIsDir)
	}
	release, err := r.Lock(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer release()

	if st, err := r.Stat(ctx); err == nil && st.IsDir() {
		return Stats{}, Conflict("write", r.Path(), CodeIsDir)
	} else if err != nil && !IsKind(err, KindNotFound) {
		return Stats{}, err
	}

	if err := storage.WriteFile(r.FullPath(), body, ""); err != nil {
		return Stats{}, FromOS("write", r.Path(), err)
	}
	r.clearCache()
	return r.refresh(ctx, "write", TypeFile), nil
}

// Open opens the file for reading.
func (r *Resource) Open(ctx context.Context) (*os.File, Stats, error) {
	st, err := r.Stat(ctx)
	if err != nil {
		return nil, Stats{}, err
	}
	if st.IsDir() {
		return nil, Stats{}, Conflict("open", r.Path(), CodeIsDir)
	}
	f, err := os.Open(r.FullPath())
	if err != nil {
		return nil, Stats{}, FromOS("open", r.Path(), err)
	}
	return f, st, nil
}
