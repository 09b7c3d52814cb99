package lock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/vdust/partage/internal/metrics"
)

// Well-known lock names.
const (
	NameTrash      = "trash"
	NameFolderEdit = "folderedit"
)

// FolderConfigName returns the lock name guarding a folder's config file.
func FolderConfigName(folder string) string {
	return "folderconfig:" + folder
}

// ResourceName returns the lock name guarding mutations of a resource.
func ResourceName(folderUID uint64, relpath string) string {
	return "resource:" + strconv.FormatUint(folderUID, 10) + ":" + relpath
}

// Locker maps names to locks. Named locks are created on first use and
// removed from the map as soon as they become idle, so the registry only
// holds locks that are currently contended.
type Locker struct {
	mu      sync.Mutex
	locks   map[string]*Lock
	def     *Lock
	timeout time.Duration
}

// NewLocker creates a registry. defaultTimeout applies to acquisitions that
// pass a zero timeout; zero means no deadline.
func NewLocker(defaultTimeout time.Duration) *Locker {
	return &Locker{
		locks:   make(map[string]*Lock),
		def:     New(),
		timeout: defaultTimeout,
	}
}

// Acquire locks name, or the default lock when name is empty. A zero
// timeout uses the registry default, a negative one waits without deadline.
func (k *Locker) Acquire(ctx context.Context, name string, exclusive bool, timeout time.Duration) (Release, error) {
	if timeout == 0 {
		timeout = k.timeout
	}
	if name == "" {
		return k.def.Acquire(ctx, exclusive, timeout)
	}

	// The waiter is registered while k.mu is held so prune never sees the
	// lock idle between lookup and request.
	k.mu.Lock()
	l, ok := k.locks[name]
	if !ok {
		l = New()
		l.onIdle = func() { k.prune(name, l) }
		k.locks[name] = l
		metrics.SetNamedLocks(len(k.locks))
	}
	l.mu.Lock()
	w := l.request(exclusive)
	l.mu.Unlock()
	k.mu.Unlock()

	return l.wait(ctx, w, timeout)
}

func (k *Locker) prune(name string, l *Lock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks[name] != l || !l.Idle() {
		return
	}
	delete(k.locks, name)
	metrics.SetNamedLocks(len(k.locks))
}

// Len returns the number of live named locks.
func (k *Locker) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Timeout returns the default acquisition timeout.
func (k *Locker) Timeout() time.Duration {
	return k.timeout
}
