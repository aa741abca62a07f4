// Package tree implements the object tree & path cache (component B): an
// in-memory model of storages, folders, and files keyed by POSIX path, with
// lazy per-folder refresh and a bounded LRU path cache.
//
// Grounded on gcsfuse's gcsproxy.ListingProxy (lazy listing with a TTL-like
// needs_refresh flag) and on the path-resolution walk in the original
// pymtpfs.mtp MTPStorage.find_entry / __find_entry.
package tree

import (
	"errors"
	"flag"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path"
	"strings"
	"time"

	"github.com/tibnor/mtpfs/internal/clockutil"
	"github.com/tibnor/mtpfs/internal/mtp"
)

var fEnableDebug = flag.Bool(
	"tree.debug",
	false,
	"Write object tree debugging messages to stderr.")

func getLogger() *log.Logger {
	var w io.Writer = ioutil.Discard
	if *fEnableDebug {
		w = os.Stderr
	}
	return log.New(w, "tree: ", log.LstdFlags)
}

// DefaultPathCacheCapacity is the suggested default from §3.
const DefaultPathCacheCapacity = 10000

// forbiddenChars is the set of characters common MTP devices reject in
// object names; path resolution step 1 replaces each with '-'.
const forbiddenChars = `:*?"<>|`

// ErrNotFound is returned by Resolve when no entry exists at a path.
var ErrNotFound = errors.New("tree: not found")

// Transport is the subset of the mtp binding the tree needs to refresh
// folders and enumerate storages. A minimal interface, grounded on
// gcsfuse's gcs.Bucket/gcs.Conn pattern, so tests can supply a fake.
type Transport interface {
	GetStorageList() ([]mtp.StorageInfo, error)
	ListFolderContents(storageID, folderID uint32) ([]mtp.RawFolder, []mtp.RawFile, error)
}

// Tree is the in-memory object tree for one open device session. Not safe
// for concurrent use by design (§5): the filesystem bridge serialises
// calls, so Tree has no internal locking of its own beyond what Entry needs
// for the rare case of a background reader racing a foreground mutation.
type Tree struct {
	transport Transport
	clock     clockutil.Clock
	log       *log.Logger

	root *Entry

	// one path cache and one created-but-unflushed cache per storage name,
	// since capacity and coherence are defined per-Storage in §3.
	pathCaches    map[string]*PathCache
	createdCaches map[string]*PathCache
	cacheCap      int
}

// NewTree constructs an empty tree with just the virtual root. Call
// Refresh("/", ...) equivalent (OpenStorages) to populate storages after a
// device is opened.
func NewTree(transport Transport, clock clockutil.Clock, cacheCapacity int) *Tree {
	if cacheCapacity <= 0 {
		cacheCapacity = DefaultPathCacheCapacity
	}
	return &Tree{
		transport:     transport,
		clock:         clock,
		log:           getLogger(),
		root:          NewRoot(),
		pathCaches:    make(map[string]*PathCache),
		createdCaches: make(map[string]*PathCache),
		cacheCap:      cacheCapacity,
	}
}

// OpenStorages populates the root's children from the device's storage
// list. Called once after the device is opened (Storage lifecycle: created
// on device open, destroyed on device close).
func (t *Tree) OpenStorages() error {
	storages, err := t.transport.GetStorageList()
	if err != nil {
		return err
	}

	children := make(map[string]*Entry, len(storages))
	for _, s := range storages {
		name := s.Description
		children[name] = &Entry{
			Kind:         KindStorage,
			ItemID:       0,
			StorageID:    s.StorageID,
			Name:         name,
			Path:         "/" + name,
			needsRefresh: true,
			children:     make(map[string]*Entry),
		}
		t.pathCaches[name] = NewPathCache(t.cacheCap)
		t.createdCaches[name] = NewPathCache(t.cacheCap)
	}
	t.root.setChildren(children)
	return nil
}

// CloseStorages tears down the per-storage caches (Storage lifecycle:
// destroyed on device close).
func (t *Tree) CloseStorages() {
	t.root.setChildren(make(map[string]*Entry))
	t.pathCaches = make(map[string]*PathCache)
	t.createdCaches = make(map[string]*PathCache)
}

// Root returns the virtual root directory.
func (t *Tree) Root() *Entry {
	return t.root
}

// Sanitize implements path resolution step 1: normalise to UTF-8 (Go
// strings already are, so this step is a no-op for that part) and replace
// every forbidden character with '-', logging each substitution since it is
// the only source of path aliasing.
func (t *Tree) Sanitize(p string) string {
	if !strings.ContainsAny(p, forbiddenChars) {
		return p
	}

	out := strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenChars, r) {
			return '-'
		}
		return r
	}, p)
	t.log.Printf("sanitized path %q -> %q", p, out)
	return out
}

// Resolve implements the path resolution algorithm of §4.2 steps 2-5.
func (t *Tree) Resolve(rawPath string) (*Entry, error) {
	p := t.Sanitize(rawPath)
	p = path.Clean(p)

	if p == "/" || p == "." {
		return t.root, nil
	}

	components := strings.Split(strings.TrimPrefix(p, "/"), "/")
	storageName := components[0]

	storage, ok := t.root.Child(storageName)
	if !ok {
		return nil, ErrNotFound
	}
	if len(components) == 1 {
		return storage, nil
	}

	cache := t.pathCaches[storageName]

	// Step 4: cache hit.
	if entry, ok := cache.Get(p); ok {
		if entry.IsDirectory() && entry.NeedsRefresh() {
			if err := t.refresh(entry); err != nil {
				return nil, err
			}
		}
		return entry, nil
	}

	// Step 5: walk from the storage root, resolving and caching each
	// intermediate component.
	current := storage
	currentPath := "/" + storageName
	for i, name := range components[1:] {
		if current.NeedsRefresh() {
			if err := t.refresh(current); err != nil {
				return nil, err
			}
		}

		child, ok := current.Child(name)
		if !ok {
			if i == len(components[1:])-1 {
				// Final leaf lookup failing after a refresh means "not found";
				// there is nothing further to try since refresh already
				// incorporated the device's current listing (find_file's
				// extra attempt in the original binding is subsumed by the
				// refresh above).
				return nil, ErrNotFound
			}
			return nil, ErrNotFound
		}

		currentPath = currentPath + "/" + name
		cache.Put(currentPath, child)
		current = child
	}

	return current, nil
}

// refresh re-lists a folder from the device, replacing its children and
// clearing needs_refresh (invariant 3).
func (t *Tree) refresh(e *Entry) error {
	folders, files, err := t.transport.ListFolderContents(e.StorageID, uint32(maxInt64(e.ItemID, 0)))
	if err != nil {
		return err
	}

	children := make(map[string]*Entry, len(folders)+len(files))
	for _, f := range folders {
		children[f.Name] = &Entry{
			Kind:         KindFolder,
			ItemID:       int64(f.ItemID),
			ParentID:     f.ParentID,
			StorageID:    f.StorageID,
			Name:         f.Name,
			Path:         joinPath(e.Path, f.Name),
			needsRefresh: true,
			children:     make(map[string]*Entry),
		}
	}
	for _, f := range files {
		children[f.Name] = &Entry{
			Kind:      KindFile,
			ItemID:    int64(f.ItemID),
			ParentID:  f.ParentID,
			StorageID: f.StorageID,
			Name:      f.Name,
			Path:      joinPath(e.Path, f.Name),
			Size:      f.Size,
			ModTime:   time.Unix(f.ModTime, 0),
			Filetype:  f.Filetype,
		}
	}

	e.setChildren(children)
	return nil
}

// Refresh forces a re-list of e regardless of its needs_refresh flag, used
// by readdir to guarantee freshness per invariant 3.
func (t *Tree) Refresh(e *Entry) error {
	return t.refresh(e)
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func storageNameOf(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}

// --- Mutation effects on the cache (§4.2 "Mutation effects on the cache") ---

// NoteCreate records a newly created child (placeholder or uploaded file)
// under parent, and marks parent needs_refresh so later listings pick up
// the device's authoritative view.
func (t *Tree) NoteCreate(parent *Entry, child *Entry) {
	parent.addChild(child)
	parent.MarkNeedsRefresh()

	storageName := storageNameOf(parent.Path)
	if cache, ok := t.pathCaches[storageName]; ok {
		cache.Put(child.Path, child)
	}
}

// NoteDelete removes path from the cache and marks its parent
// needs_refresh, per the Delete mutation rule.
func (t *Tree) NoteDelete(parent *Entry, name, fullPath string) {
	parent.removeChild(name)
	parent.MarkNeedsRefresh()

	storageName := storageNameOf(fullPath)
	if cache, ok := t.pathCaches[storageName]; ok {
		cache.Remove(fullPath)
	}
	if created, ok := t.createdCaches[storageName]; ok {
		created.Remove(fullPath)
	}
}

// NoteRename marks both old and new parents needs_refresh and explicitly
// removes the old path, per the Rename mutation rule.
func (t *Tree) NoteRename(oldParent, newParent *Entry, oldName, oldPath, newPath string) {
	oldParent.removeChild(oldName)
	oldParent.MarkNeedsRefresh()
	newParent.MarkNeedsRefresh()

	storageName := storageNameOf(oldPath)
	if cache, ok := t.pathCaches[storageName]; ok {
		cache.Remove(oldPath)
	}
	_ = newPath
}

// CreatedCache returns the created-but-unflushed cache for the storage
// containing path, used by the dispatcher (internal/fs) to register/resolve
// placeholders.
func (t *Tree) CreatedCache(storagePath string) *PathCache {
	return t.createdCaches[storageNameOf(storagePath)]
}

// PathCacheFor returns the resolved-path cache for the storage containing
// path.
func (t *Tree) PathCacheFor(storagePath string) *PathCache {
	return t.pathCaches[storageNameOf(storagePath)]
}
