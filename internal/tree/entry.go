package tree

import (
	"sync"
	"time"
)

// Kind tags which arm of the Entry union is populated. Storage, Folder, and
// File share the same struct rather than three separate types connected by
// an interface: the original design note calls for "a tagged union ...
// plus pure functions that pattern-match" in place of dynamic dispatch
// between Storage/Folder/File, and a single struct with a Kind field is the
// natural Go rendering of that.
type Kind int

const (
	KindStorage Kind = iota
	KindFolder
	KindFile
)

// UnflushedSentinelID is the placeholder item ID assigned to a file created
// locally but not yet uploaded, matching the original binding's
// item_id = -9999 sentinel.
const UnflushedSentinelID = -9999

// UnassignedID is reserved for "unknown/to-be-assigned" per invariant 6:
// submitting a new object to the device with this ID asks it to assign one.
const UnassignedID = 0

// Attrs is the subset of POSIX attributes an Entry can report. internal/fs
// converts this into a fuseops.InodeAttributes at the FUSE boundary; the
// tree package itself has no FUSE dependency.
type Attrs struct {
	Size  uint64
	Mtime time.Time
	IsDir bool
}

// Entry is a node in the object tree: a Storage, Folder, or File depending
// on Kind. Parents own their children through the children map; children do
// not hold an owning reference back to their parent, only ParentID, to
// avoid a reference cycle (per the "arena allocation ... rather than
// two-way owning pointers" design note).
type Entry struct {
	Kind Kind

	// ItemID is the device-assigned object ID. Negative means a locally
	// created file not yet uploaded (see UnflushedSentinelID). Meaningless
	// for Storage entries.
	ItemID    int64
	ParentID  uint32
	StorageID uint32
	Name      string
	Path      string // absolute POSIX path; the path cache key

	Size     uint64
	ModTime  time.Time
	Filetype int

	mu           sync.Mutex
	needsRefresh bool            // Storage/Folder only
	children     map[string]*Entry // Storage/Folder only, keyed by Name
}

// NewRoot builds the virtual root directory (invariant 1): it is not an MTP
// object and its children are the storages.
func NewRoot() *Entry {
	return &Entry{
		Kind:         KindFolder,
		Path:         "/",
		needsRefresh: false,
		children:     make(map[string]*Entry),
	}
}

// IsDirectory reports whether the entry behaves as a directory for POSIX
// purposes (Storage and Folder both do).
func (e *Entry) IsDirectory() bool {
	return e.Kind != KindFile
}

// Attributes renders the entry's POSIX-visible attributes. Directories
// (including storages) always report size 0, per §6.1.
func (e *Entry) Attributes() Attrs {
	if e.IsDirectory() {
		return Attrs{IsDir: true}
	}
	return Attrs{Size: e.Size, Mtime: e.ModTime}
}

// NeedsRefresh reports the folder's refresh flag. Only meaningful for
// Storage/Folder entries.
func (e *Entry) NeedsRefresh() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsRefresh
}

// MarkNeedsRefresh sets the refresh flag, e.g. after a mutation touches
// this folder.
func (e *Entry) MarkNeedsRefresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.needsRefresh = true
}

// IterChildren returns a snapshot slice of the entry's children. Meaningless
// for File entries, which return an empty slice.
func (e *Entry) IterChildren() []*Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	children := make([]*Entry, 0, len(e.children))
	for _, c := range e.children {
		children = append(children, c)
	}
	return children
}

// Child looks up a named child without triggering a refresh.
func (e *Entry) Child(name string) (*Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.children[name]
	return c, ok
}

// setChildren replaces the full child set, e.g. after a successful listing.
func (e *Entry) setChildren(children map[string]*Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.children = children
	e.needsRefresh = false
}

// addChild inserts or overwrites a single child, e.g. after create() mints
// a placeholder file.
func (e *Entry) addChild(c *Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.children == nil {
		e.children = make(map[string]*Entry)
	}
	e.children[c.Name] = c
}

// removeChild deletes a named child, e.g. after unlink/rmdir.
func (e *Entry) removeChild(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.children, name)
}
