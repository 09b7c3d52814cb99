package trash

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strconv"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/vdust/partage/internal/events"
	"github.com/vdust/partage/internal/lock"
	"github.com/vdust/partage/internal/logging"
	"github.com/vdust/partage/internal/metrics"
	"github.com/vdust/partage/internal/share"
	"github.com/vdust/partage/internal/storage"
)

// Restore pipeline states.
const (
	StateLocking           = "locking"
	StateValidating        = "validating"
	StateChecking          = "checking"
	StateTrashingExisting  = "trashing_existing"
	StateRenamingCandidate = "renaming_candidate"
	StateEnsuringParents   = "ensuring_parents"
	StateRenaming          = "renaming"
	StateRollingBack       = "rolling_back"
	StateRegistering       = "registering"
	StateDone              = "done"
	StateFailed            = "failed"
)

const (
	eventValidate = "validate"
	eventCheck    = "check"
	eventReplace  = "replace"
	eventCollide  = "collide"
	eventResolve  = "resolve"
	eventRename   = "rename"
	eventRollback = "rollback"
	eventRegister = "register"
	eventFinish   = "finish"
	eventFail     = "fail"
)

var restoreTransitions = fsm.Events{
	{Name: eventValidate, Src: []string{StateLocking}, Dst: StateValidating},
	{Name: eventCheck, Src: []string{StateValidating, StateRenamingCandidate}, Dst: StateChecking},
	{Name: eventReplace, Src: []string{StateChecking}, Dst: StateTrashingExisting},
	{Name: eventCollide, Src: []string{StateChecking}, Dst: StateRenamingCandidate},
	{Name: eventResolve, Src: []string{StateChecking, StateTrashingExisting}, Dst: StateEnsuringParents},
	{Name: eventRename, Src: []string{StateEnsuringParents}, Dst: StateRenaming},
	{Name: eventRollback, Src: []string{StateRenaming}, Dst: StateRollingBack},
	{Name: eventRegister, Src: []string{StateRenaming}, Dst: StateRegistering},
	{Name: eventFinish, Src: []string{StateRenaming, StateRegistering}, Dst: StateDone},
	{Name: eventFail, Src: []string{
		StateLocking, StateValidating, StateChecking, StateTrashingExisting,
		StateRenamingCandidate, StateEnsuringParents, StateRenaming, StateRollingBack,
		StateRegistering,
	}, Dst: StateFailed},
}

// RestoreOptions controls Trash.Restore.
type RestoreOptions struct {
	// Path overrides the destination, folder name first. The default is
	// the path the item was trashed from.
	Path string `json:"path,omitempty"`
	// Rename picks a "[#N] name" variant when the destination is taken.
	// It defaults to true.
	Rename *bool `json:"rename,omitempty"`
	// Replace trashes whatever occupies the destination.
	Replace bool `json:"replace,omitempty"`
	// Parents creates missing parent directories inside the folder.
	Parents bool `json:"parents,omitempty"`
	// Reentrant skips the trash and folder edit locks; the caller already
	// holds them.
	Reentrant bool `json:"-"`
}

func (o RestoreOptions) rename() bool {
	return o.Rename == nil || *o.Rename
}

// Replaced describes the previous occupant trashed by a replacing restore.
type Replaced struct {
	ItemUID string `json:"itemUid" yaml:"itemUid"`
	Origin  string `json:"origin" yaml:"origin"`
	Item    Item   `json:"item" yaml:"item"`
}

// RestoreResult is the outcome of a restore. Resource carries a reference
// the caller must drop.
type RestoreResult struct {
	Resource *share.Resource `json:"-" yaml:"-"`
	Path     string          `json:"path" yaml:"path"`
	Stats    share.Stats     `json:"stats" yaml:"stats"`
	Replaced *Replaced       `json:"replaced,omitempty" yaml:"replaced,omitempty"`
	// StaleMetadata is set when the item was moved back but its metadata
	// could not be refreshed.
	StaleMetadata bool `json:"staleMetadata,omitempty" yaml:"staleMetadata,omitempty"`
}

type restore struct {
	t    *Trash
	user *share.User
	uid  string
	opts RestoreOptions

	machine  *fsm.FSM
	releases []lock.Release

	item     Item
	src      string
	dest     string // folder name + path inside the folder
	asFolder bool
	folder   *share.Folder
	replaced *Replaced
}

// Restore moves a trashed item back. The steps run in a fixed order:
// lock, validate, resolve a taken destination (rename or replace),
// create parents, move, then register a restored shared folder. If the
// move fails after a replace, the replaced item is put back before the
// error is returned.
func (t *Trash) Restore(ctx context.Context, user *share.User, uid string, opts RestoreOptions) (res RestoreResult, err error) {
	r := &restore{t: t, user: user, uid: uid, opts: opts}
	r.machine = fsm.NewFSM(StateLocking, restoreTransitions, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			logging.Debug("restore transition",
				zap.String("uid", uid),
				zap.String("from", e.Src),
				zap.String("to", e.Dst))
		},
	})
	defer r.releaseAll()

	res, err = r.run(ctx)
	state := r.machine.Current()
	if err != nil {
		r.to(ctx, eventFail)
		logging.Warn("restore failed",
			zap.String("uid", uid),
			zap.String("state", state),
			zap.Error(err))
	}
	metrics.RecordRestore(state, err == nil)
	return res, err
}

// to fires a pipeline event. Invalid transitions are programming errors.
func (r *restore) to(ctx context.Context, event string) {
	if err := r.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		panic(fmt.Sprintf("trash: restore event %s from %s: %v", event, r.machine.Current(), err))
	}
}

func (r *restore) acquire(ctx context.Context, name string) error {
	release, err := r.t.lock(ctx, name, true, r.opts.Reentrant)
	if err != nil {
		return err
	}
	r.releases = append(r.releases, release)
	return nil
}

func (r *restore) releaseAll() {
	for i := len(r.releases) - 1; i >= 0; i-- {
		r.releases[i]()
	}
	r.releases = nil
}

func (r *restore) run(ctx context.Context) (RestoreResult, error) {
	if err := r.acquire(ctx, lock.NameTrash); err != nil {
		return RestoreResult{}, err
	}

	r.to(ctx, eventValidate)
	if err := r.validate(ctx); err != nil {
		return RestoreResult{}, err
	}

	for {
		r.to(ctx, eventCheck)
		taken, err := storage.Exists(r.destPath())
		if err != nil {
			return RestoreResult{}, share.FromOS("restore", r.dest, err)
		}
		if !taken {
			break
		}
		if r.opts.Replace {
			r.to(ctx, eventReplace)
			if err := r.trashExisting(ctx); err != nil {
				return RestoreResult{}, err
			}
			break
		}
		if !r.opts.rename() {
			return RestoreResult{}, share.Conflict("restore", r.dest, share.CodeExists)
		}
		r.to(ctx, eventCollide)
		r.dest = path.Join(path.Dir(r.dest), r.t.nextName(path.Base(r.dest)))
	}
	r.to(ctx, eventResolve)

	if r.opts.Parents && !r.asFolder {
		if err := r.ensureParents(ctx); err != nil {
			return RestoreResult{}, err
		}
	}

	r.to(ctx, eventRename)
	if err := r.t.move(r.src, r.destPath()); err != nil {
		err = share.FromOS("restore", r.dest, err)
		if r.replaced != nil {
			r.to(ctx, eventRollback)
			r.rollback(ctx)
		}
		return RestoreResult{}, err
	}

	var stale bool
	if r.asFolder {
		r.to(ctx, eventRegister)
		f, err := r.t.reg.Adopt(ctx, r.dest)
		if err != nil {
			logging.Warn("restored folder registration incomplete", zap.String("folder", r.dest), zap.Error(err))
			stale = true
		}
		r.folder = f
	}
	r.to(ctx, eventFinish)

	res := RestoreResult{Path: r.dest, Replaced: r.replaced, StaleMetadata: stale}
	if r.folder != nil {
		_, rel := share.SplitPath(r.dest)
		if resource, err := r.folder.Resource(rel); err == nil {
			res.Resource = resource
			st, err := resource.Stat(ctx)
			if err != nil {
				logging.Warn("stat refresh failed after restore", zap.String("path", r.dest), zap.Error(err))
				res.StaleMetadata = true
			} else {
				res.Stats = st
			}
		}
	} else {
		res.StaleMetadata = true
	}

	r.t.events.Publish(events.Event{
		Type:    events.EventRestore,
		Folder:  r.item.Folder,
		Path:    r.item.Path,
		NewPath: r.dest,
		UID:     r.uid,
		User:    userName(r.user),
	})
	logging.Info("item restored",
		zap.String("uid", r.uid),
		zap.String("path", r.dest),
		zap.Bool("replaced", r.replaced != nil),
		zap.String("user", userName(r.user)))
	return res, nil
}

func (r *restore) validate(ctx context.Context) error {
	id, err := Decode(r.uid)
	if err != nil {
		return err
	}
	r.item = newItem(r.uid, id)
	if !r.t.visible(r.user, r.item) {
		return share.NotFound("restore", r.uid)
	}
	r.src = filepath.Join(r.t.dir, r.uid)
	if ok, err := storage.Exists(r.src); err != nil {
		return share.FromOS("restore", r.item.Path, err)
	} else if !ok {
		return share.NotFound("restore", r.uid)
	}

	r.dest = r.item.Path
	if r.opts.Path != "" {
		dest, err := share.NormalizePath(r.opts.Path)
		if err != nil {
			return err
		}
		if dest == "." {
			return share.Invalid("restore", r.opts.Path, "empty destination")
		}
		r.dest = dest
	}

	name, rel := share.SplitPath(r.dest)
	r.asFolder = rel == "."
	if r.asFolder {
		if !r.user.Is(share.LevelAdmin) {
			return share.Forbidden("restore", r.dest)
		}
		if r.item.Type != share.TypeFolder {
			return share.Conflict("restore", r.dest, share.CodeNotDir)
		}
		return r.acquire(ctx, lock.NameFolderEdit)
	}

	f := r.t.reg.Lookup(name)
	if f == nil || !f.CanRead(r.user) {
		return share.NotFound("restore", r.dest)
	}
	if !f.CanWrite(r.user) {
		return share.Forbidden("restore", r.dest)
	}
	r.folder = f
	return nil
}

func (r *restore) destPath() string {
	if r.asFolder {
		return filepath.Join(r.t.reg.Root(), r.dest)
	}
	return filepath.Join(r.folder.Path(), filepath.FromSlash(r.rel()))
}

func (r *restore) rel() string {
	_, rel := share.SplitPath(r.dest)
	return rel
}

// trashExisting moves the current occupant of the destination to the
// trash so the item can take its place. The occupant must have the item's
// type.
func (r *restore) trashExisting(ctx context.Context) error {
	var occupant *share.Resource
	if r.asFolder {
		f := r.t.reg.Lookup(r.dest)
		if f == nil {
			var err error
			if f, err = r.t.reg.Adopt(ctx, r.dest); f == nil {
				return err
			}
		}
		root, err := f.Resource(".")
		if err != nil {
			return err
		}
		occupant = root
	} else {
		res, err := r.folder.Resource(r.rel())
		if err != nil {
			return err
		}
		occupant = res
	}
	defer occupant.Unref()

	it, err := r.t.Trash(ctx, r.user, occupant, TrashOptions{Type: r.item.Type, Reentrant: true})
	if err != nil {
		return err
	}
	r.replaced = &Replaced{ItemUID: it.UID, Origin: r.dest, Item: it}
	return nil
}

func (r *restore) ensureParents(ctx context.Context) error {
	parent := path.Dir(r.rel())
	if parent == "." {
		return nil
	}
	res, err := r.folder.Resource(parent)
	if err != nil {
		return err
	}
	defer res.Unref()
	_, err = res.Mkdir(ctx, share.MkdirOptions{Parents: true})
	return err
}

// rollback puts the replaced occupant back. Failures are logged only: the
// caller reports the error that made the move fail.
func (r *restore) rollback(ctx context.Context) {
	no := false
	res, err := r.t.Restore(ctx, r.user, r.replaced.ItemUID, RestoreOptions{
		Path:      r.replaced.Origin,
		Rename:    &no,
		Reentrant: true,
	})
	if err != nil {
		logging.Error("restore rollback failed",
			zap.String("uid", r.replaced.ItemUID),
			zap.String("path", r.replaced.Origin),
			zap.Error(err))
		return
	}
	if res.Resource != nil {
		res.Resource.Unref()
	}
	r.replaced = nil
}

// nextName returns the next "[#N] name" variant of name.
func (t *Trash) nextName(name string) string {
	if m := t.renameRe.FindStringSubmatch(name); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return fmt.Sprintf(t.renameFmt, n+1) + m[2]
		}
	}
	return fmt.Sprintf(t.renameFmt, 1) + name
}
