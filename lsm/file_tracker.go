package lsm

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Leadrive/eventql/utils/log"
)

// FileTracker owns deferred deletion of segment files. Snapshot cells
// and readers hold references by path; DeleteFiles removes a file
// immediately when unreferenced and otherwise queues it until the last
// reference drops. The pending set is persisted so a restart resumes
// the deletions instead of leaking files.
type FileTracker struct {
	mu          sync.Mutex
	refs        map[string]int
	deleted     map[string]bool
	persistPath string
}

const fileTrackerStateFile = "deleted_files"

func NewFileTracker(baseDir string) *FileTracker {
	t := &FileTracker{
		refs:        make(map[string]int),
		deleted:     make(map[string]bool),
		persistPath: filepath.Join(baseDir, fileTrackerStateFile),
	}
	t.loadState()
	t.retryPending()
	return t
}

// Ref takes a reference on every path in files.
func (t *FileTracker) Ref(files []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range files {
		t.refs[f]++
	}
}

// Unref drops a reference on every path in files, deleting any path
// that was slated for deletion and is now unreferenced.
func (t *FileTracker) Unref(files []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dirty := false
	for _, f := range files {
		t.refs[f]--
		if t.refs[f] > 0 {
			continue
		}
		delete(t.refs, f)
		if t.deleted[f] {
			t.removeLocked(f)
			dirty = true
		}
	}
	if dirty {
		t.persistLocked()
	}
}

// DeleteFiles marks every path in files for deletion. Unreferenced
// paths are removed immediately; the rest are queued until their last
// reference drops.
func (t *FileTracker) DeleteFiles(files map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for f := range files {
		if t.refs[f] > 0 {
			t.deleted[f] = true
			continue
		}
		t.deleted[f] = true
		t.removeLocked(f)
	}
	t.persistLocked()
}

// PendingDeletes returns the paths queued for deletion. Test hook.
func (t *FileTracker) PendingDeletes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.deleted))
	for f := range t.deleted {
		out = append(out, f)
	}
	return out
}

func (t *FileTracker) removeLocked(path string) {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		// Keep it queued; the next restart retries.
		log.Warn("file tracker: can't delete %s: %v", path, err)
		return
	}
	delete(t.deleted, path)
}

func (t *FileTracker) retryPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for f := range t.deleted {
		if t.refs[f] == 0 {
			t.removeLocked(f)
		}
	}
	t.persistLocked()
}

func (t *FileTracker) persistLocked() {
	pending := make([]string, 0, len(t.deleted))
	for f := range t.deleted {
		pending = append(pending, f)
	}
	data, err := msgpack.Marshal(pending)
	if err != nil {
		log.Error("file tracker: encode state: %v", err)
		return
	}
	if err := writeFileSync(t.persistPath, data); err != nil {
		log.Error("file tracker: persist state: %v", err)
	}
}

func (t *FileTracker) loadState() {
	data, err := os.ReadFile(t.persistPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("file tracker: read state: %v", err)
		}
		return
	}
	var pending []string
	if err := msgpack.Unmarshal(data, &pending); err != nil {
		log.Warn("file tracker: decode state: %v", err)
		return
	}
	for _, f := range pending {
		t.deleted[f] = true
	}
}
