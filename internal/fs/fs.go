// Package fs implements the POSIX-to-MTP dispatcher (component E): it
// implements github.com/jacobsa/fuse/fuseutil.FileSystem, coordinating the
// object tree (B), the open-file spool (C), and the recovery state machine
// (D) exactly as §4.5 describes.
//
// Grounded directly on gcsfuse's fs/fs.go fileSystem struct: an InodeID <->
// Entry identity map, a lookup-count-driven destroy path ported from
// fs/inode/lookup_count.go, and the same "acquire the fs lock before any
// per-entry state" discipline documented in fs.go's LOCK ORDERING comment.
// Because the scheduling model here is single-threaded and cooperative
// (§5), the fs lock is simply held for the duration of each operation
// rather than dropped around long transfers the way gcsfuse does to allow
// concurrent kernel requests.
package fs

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"

	"github.com/tibnor/mtpfs/internal/fs/ferrors"
	"github.com/tibnor/mtpfs/internal/mtp"
	"github.com/tibnor/mtpfs/internal/recovery"
	"github.com/tibnor/mtpfs/internal/spool"
	"github.com/tibnor/mtpfs/internal/tree"
)

// golang.org/x/net/context.Context is a type alias for the standard
// library's context.Context since Go 1.9, so jacobsa/fuse's (ctx, op)
// method signatures are satisfied using the stdlib import directly.

var fEnableDebug = flag.Bool(
	"fs.debug",
	false,
	"Write dispatcher debugging messages to stderr.")

func getLogger() *log.Logger {
	var w io.Writer = ioutil.Discard
	if *fEnableDebug {
		w = os.Stderr
	}
	return log.New(w, "fs: ", log.LstdFlags)
}

// Device is the subset of *mtp.Handle the dispatcher needs: storage/folder
// listing, object transfer, and the mutating operations (mkdir/delete/
// rename). A minimal interface — grounded on the same pattern
// internal/tree.Transport and internal/spool.Uploader already use — so
// tests can supply a fake device instead of a real cgo-backed handle.
type Device interface {
	GetStorageList() ([]mtp.StorageInfo, error)
	ListFolderContents(storageID, folderID uint32) ([]mtp.RawFolder, []mtp.RawFile, error)
	GetObjectToFD(objectID uint32, fd *os.File) error
	SendObjectFromFD(fd *os.File, name string, size uint64, storageID, parentID uint32, filetype int) (uint32, error)
	CreateFolder(name string, parentID, storageID uint32) (uint32, error)
	DeleteObject(id uint32) error
	SetFileName(id uint32, newName string) error
	SetFolderName(id uint32, newName string) error
	ClearErrorStack()
	Release()
}

// Config bundles everything needed to mount a device: the already-opened
// transport handle, per-transfer rate constants, and the ownership bits
// reported in getattr (§6.1: "uid=caller, gid=caller").
type Config struct {
	Handle         Device
	ScratchBaseDir string
	ReadPerByte    time.Duration
	WritePerByte   time.Duration
	PathCacheSize  int
	Uid            uint32
	Gid            uint32
}

// FileSystem implements fuseutil.FileSystem over an open MTP device.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem // StatFS, xattrs, symlinks, MkNode, Fallocate, Destroy, BatchForget

	mu syncutil.InvariantMutex // the single fs-level lock; see package doc.

	handle Device
	tree   *tree.Tree
	spool  *spool.Spool
	log    *log.Logger

	uid, gid uint32

	// Inode bookkeeping, ported from gcsfuse's fs.inodes /
	// fs/inode/lookup_count.go.
	inodes       map[fuseops.InodeID]*tree.Entry
	inodeOf      map[*tree.Entry]fuseops.InodeID
	lookupCounts map[fuseops.InodeID]uint64
	nextInodeID  fuseops.InodeID

	dirHandles   map[fuseops.HandleID]*dirHandle
	fileHandles  map[fuseops.HandleID]*fileHandle
	nextHandleID fuseops.HandleID
}

// dirHandle holds a snapshot of a directory's children taken by the first
// ReadDir on the handle (and again by each ReadDir at offset zero), so
// repeated ReadDir calls at
// increasing offsets see a consistent listing per the ReadDirOp offset
// contract.
type dirHandle struct {
	entries []fuseutil.Dirent
}

// fileHandle ties a spool.Handle to the tree state needed to resolve it on
// release: the parent folder (to mark needs_refresh and supply the parent
// ID for upload) and the entry whose storage ID, item ID and size are used
// and updated.
type fileHandle struct {
	spoolHandle      *spool.Handle
	entry            *tree.Entry // for a brand new file, the placeholder entry; its ItemID/Size are updated on release
	parent           *tree.Entry
	existingObjectID uint32
	filetype         int
}

// New constructs a FileSystem ready to be wrapped with
// fuseutil.NewFileSystemServer.
func New(cfg Config) (*FileSystem, error) {
	sp, err := spool.New(cfg.ScratchBaseDir, cfg.ReadPerByte, cfg.WritePerByte)
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}

	t := tree.NewTree(transportAdapter{cfg.Handle}, realClock{}, cfg.PathCacheSize)
	if err := t.OpenStorages(); err != nil {
		sp.Close()
		return nil, fmt.Errorf("listing storages: %w", err)
	}

	root := t.Root()
	fsys := &FileSystem{
		handle:       cfg.Handle,
		tree:         t,
		spool:        sp,
		log:          getLogger(),
		uid:          cfg.Uid,
		gid:          cfg.Gid,
		inodes:       map[fuseops.InodeID]*tree.Entry{fuseops.RootInodeID: root},
		inodeOf:      map[*tree.Entry]fuseops.InodeID{root: fuseops.RootInodeID},
		lookupCounts: map[fuseops.InodeID]uint64{fuseops.RootInodeID: 1},
		nextInodeID:  fuseops.RootInodeID + 1,
		dirHandles:   make(map[fuseops.HandleID]*dirHandle),
		fileHandles:  make(map[fuseops.HandleID]*fileHandle),
		nextHandleID: 1,
	}
	fsys.mu = syncutil.NewInvariantMutex(fsys.checkInvariants)
	return fsys, nil
}

// checkInvariants panics if the fs-level bookkeeping has drifted out of
// sync, run automatically around every lock/unlock by InvariantMutex.
// Grounded on gcsfuse's fs.checkInvariants.
func (fs *FileSystem) checkInvariants() {
	for id, e := range fs.inodes {
		if got := fs.inodeOf[e]; got != id {
			panic(fmt.Sprintf("inode identity mismatch: inodes[%d] maps back to %d", id, got))
		}
	}
	for id := range fs.lookupCounts {
		if _, ok := fs.inodes[id]; !ok && id != fuseops.RootInodeID {
			panic(fmt.Sprintf("lookup count held for unknown inode %d", id))
		}
	}
}

// Shutdown force-closes all open handles, removes the scratch directory,
// and releases the device, per §5's unmount contract.
func (fs *FileSystem) Shutdown() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, fh := range fs.fileHandles {
		spool.Discard(fh.spoolHandle)
	}
	fs.spool.Close()
	fs.handle.Release()
}

var _ fuseutil.FileSystem = &FileSystem{}

// --- inode bookkeeping, ported from gcsfuse's mintInode / lookupCount ---

func (fs *FileSystem) mintInode(e *tree.Entry) fuseops.InodeID {
	if id, ok := fs.inodeOf[e]; ok {
		fs.lookupCounts[id]++
		return id
	}

	id := fs.nextInodeID
	fs.nextInodeID++
	fs.inodes[id] = e
	fs.inodeOf[e] = id
	fs.lookupCounts[id] = 1
	return id
}

func (fs *FileSystem) entryForInode(id fuseops.InodeID) (*tree.Entry, bool) {
	e, ok := fs.inodes[id]
	return e, ok
}

// forgetInode decrements the lookup count and, if it reaches zero, destroys
// the bookkeeping for the inode. Mirrors fs/inode/lookup_count.go's Dec.
func (fs *FileSystem) forgetInode(id fuseops.InodeID, n uint64) {
	count, ok := fs.lookupCounts[id]
	if !ok {
		return
	}
	if n > count {
		panic(fmt.Sprintf("forgetInode: asked to forget %d references but only %d exist", n, count))
	}
	count -= n
	if count > 0 {
		fs.lookupCounts[id] = count
		return
	}

	delete(fs.lookupCounts, id)
	if e, ok := fs.inodes[id]; ok {
		delete(fs.inodes, id)
		delete(fs.inodeOf, e)
	}
}

func attrsFor(fs *FileSystem, e *tree.Entry) fuseops.InodeAttributes {
	a := e.Attributes()
	mode := os.FileMode(0755)
	if a.IsDir {
		mode |= os.ModeDir
	}
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: 1,
		Mode:  mode,
		Mtime: a.Mtime,
		Ctime: a.Mtime,
		Atime: a.Mtime,
		Uid:   fs.uid,
		Gid:   fs.gid,
	}
}

// lookupChild resolves name under parent, refreshing the parent if
// necessary, returning ferrors.NotFound on a miss.
func (fs *FileSystem) lookupChild(parent *tree.Entry, name string) (*tree.Entry, error) {
	if parent.NeedsRefresh() {
		if err := fs.tree.Refresh(parent); err != nil {
			return nil, ferrors.New(ferrors.TransportError, "refresh", err)
		}
	}
	child, ok := parent.Child(name)
	if !ok {
		return nil, ferrors.New(ferrors.NotFound, "lookup", nil)
	}
	return child, nil
}

// recoveryErrno maps the result of a recovery.Run call to the errno the
// kernel should see. §7 and the original binding (mtp.py's recurse-level
// retry loop) return EINTR once recovery gives up after cycling the device,
// distinct from the EIO a plain transport failure gets.
func recoveryErrno(op string, err error) error {
	if errors.Is(err, recovery.ErrGaveUp) {
		return ferrors.Errno(ferrors.New(ferrors.Timeout, op, err))
	}
	return ferrors.Errno(ferrors.New(ferrors.TransportError, op, err))
}

// parentIDOf returns e's device object ID as a parent ID for SendObjectFromFD,
// or tree.UnassignedID if e is nil (releasing a handle whose parent lookup
// failed, or a root-level storage where there is no containing folder).
func parentIDOf(e *tree.Entry) uint32 {
	if e == nil {
		return tree.UnassignedID
	}
	return uint32(e.ItemID)
}

// --- fuseutil.FileSystem methods ---

func (fs *FileSystem) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, ok := fs.entryForInode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	child, err := fs.lookupChild(parent, op.Name)
	if err != nil {
		return ferrors.Errno(err)
	}

	op.Entry.Child = fs.mintInode(child)
	op.Entry.Attributes = attrsFor(fs, child)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.entryForInode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	op.Attributes = attrsFor(fs, e)
	return nil
}

// SetInodeAttributes implements chmod/chown/truncate. Per §4.5 special
// cases, chmod/chown are no-ops that just report current attributes; a
// Size change on a file goes through truncate (see below). Mtime/Atime
// changes are ignored for files and directories alike.
func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.entryForInode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	if op.Size != nil && !e.IsDirectory() {
		if err := fs.truncate(ctx, e, int64(*op.Size)); err != nil {
			return err
		}
	}

	op.Attributes = attrsFor(fs, e)
	return nil
}

// truncate implements §4.3's truncate(2). A file with an open handle just
// has its scratch copy resized in place, uploaded as usual on release. A
// file with no open handle is downloaded, truncated, and re-uploaded
// immediately, mirroring the original binding's truncate() (download via
// copy_from, os.ftruncate, re-upload via copy_to when no fh was supplied;
// pymtpfs.py:427-466).
func (fs *FileSystem) truncate(ctx context.Context, e *tree.Entry, size int64) error {
	for _, fh := range fs.fileHandles {
		if fh.entry == e {
			if err := fh.spoolHandle.Truncate(size); err != nil {
				return ferrors.Errno(ferrors.New(ferrors.IOError, "truncate", err))
			}
			return nil
		}
	}

	var existingObjectID uint32
	if e.ItemID > 0 {
		existingObjectID = uint32(e.ItemID)
	}

	var spoolHandle *spool.Handle
	err := recovery.Run(ctx, fs.deviceAdapter(), fs.spool.ReadTimeout(e.Size), func(ctx context.Context) error {
		var innerErr error
		spoolHandle, innerErr = fs.spool.OpenForWrite(ctx, fs.handle, existingObjectID, e.Path, e.Size)
		return innerErr
	})
	if err != nil {
		return recoveryErrno("truncate", err)
	}

	if err := spoolHandle.Truncate(size); err != nil {
		spool.Discard(spoolHandle)
		return ferrors.Errno(ferrors.New(ferrors.IOError, "truncate", err))
	}

	parent, perr := fs.tree.Resolve(path.Dir(e.Path))
	if perr != nil {
		parent = nil
	}

	var result spool.ReleaseResult
	err = recovery.Run(ctx, fs.deviceAdapter(), fs.spool.WriteTimeout(uint64(size)), func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fs.spool.Release(ctx, fs.handle, spoolHandle, existingObjectID, e.StorageID, parentIDOf(parent), e.Filetype)
		return innerErr
	})
	if err != nil {
		return recoveryErrno("truncate", err)
	}

	if result.Uploaded {
		e.ItemID = int64(result.NewObject.ItemID)
		e.Size = result.NewObject.Size
		if parent != nil {
			parent.MarkNeedsRefresh()
		}
	}
	return nil
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.forgetInode(op.ID, 1)
	return nil
}

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, ok := fs.entryForInode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	if !parent.IsDirectory() {
		return syscall.ENOTDIR
	}

	if _, err := fs.lookupChild(parent, op.Name); err == nil {
		return syscall.EEXIST
	}

	newPath := path.Join(parent.Path, op.Name)
	var newID uint32
	err := recovery.Run(ctx, fs.deviceAdapter(), 30*time.Second, func(ctx context.Context) error {
		id, err := fs.handle.CreateFolder(op.Name, uint32(parent.ItemID), parent.StorageID)
		newID = id
		return err
	})
	if err != nil {
		return recoveryErrno("mkdir", err)
	}

	child := &tree.Entry{
		Kind:      tree.KindFolder,
		ItemID:    int64(newID),
		ParentID:  uint32(parent.ItemID),
		StorageID: parent.StorageID,
		Name:      op.Name,
		Path:      newPath,
	}
	fs.tree.NoteCreate(parent, child)

	op.Entry.Child = fs.mintInode(child)
	op.Entry.Attributes = attrsFor(fs, child)
	return nil
}

// CreateFile creates a placeholder entry for a new, empty file and opens it
// for writing; the object is uploaded when the handle is released. MkNode
// is not implemented here and falls through to NotImplementedFileSystem.
func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, ok := fs.entryForInode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	if !parent.IsDirectory() {
		return syscall.ENOTDIR
	}

	if _, err := fs.lookupChild(parent, op.Name); err == nil {
		return syscall.EEXIST
	}

	newPath := path.Join(parent.Path, op.Name)
	placeholder := &tree.Entry{
		Kind:     tree.KindFile,
		ItemID:   tree.UnflushedSentinelID,
		ParentID: uint32(parent.ItemID),
		StorageID: parent.StorageID,
		Name:     op.Name,
		Path:     newPath,
	}
	fs.tree.NoteCreate(parent, placeholder)
	if created := fs.tree.CreatedCache(newPath); created != nil {
		created.Put(newPath, placeholder)
	}

	spoolHandle, err := fs.spool.CreateForWrite(newPath)
	if err != nil {
		return ferrors.Errno(ferrors.New(ferrors.IOError, "create", err))
	}

	handleID := fs.nextHandleID
	fs.nextHandleID++
	fs.fileHandles[handleID] = &fileHandle{
		spoolHandle: spoolHandle,
		entry:       placeholder,
		parent:      parent,
		filetype:    mtp.Filetype(op.Name),
	}

	op.Entry.Child = fs.mintInode(placeholder)
	op.Entry.Attributes = attrsFor(fs, placeholder)
	op.Handle = handleID
	return nil
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, ok := fs.entryForInode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	child, err := fs.lookupChild(parent, op.Name)
	if err != nil {
		return ferrors.Errno(err)
	}
	if !child.IsDirectory() {
		return syscall.ENOTDIR
	}

	// Open Question resolution: the original source does not check
	// emptiness before rmdir. We return ENOTEMPTY whenever the in-memory
	// folder lists children, per the recommendation in §9.
	if child.NeedsRefresh() {
		if err := fs.tree.Refresh(child); err != nil {
			return ferrors.Errno(ferrors.New(ferrors.TransportError, "refresh", err))
		}
	}
	if len(child.IterChildren()) > 0 {
		return syscall.ENOTEMPTY
	}

	err = recovery.Run(ctx, fs.deviceAdapter(), 30*time.Second, func(ctx context.Context) error {
		return fs.handle.DeleteObject(uint32(child.ItemID))
	})
	if err != nil {
		return recoveryErrno("rmdir", err)
	}

	fs.tree.NoteDelete(parent, op.Name, child.Path)
	return nil
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, ok := fs.entryForInode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	child, err := fs.lookupChild(parent, op.Name)
	if err != nil {
		return ferrors.Errno(err)
	}
	if child.IsDirectory() {
		return syscall.EISDIR
	}

	if child.ItemID > 0 {
		runErr := recovery.Run(ctx, fs.deviceAdapter(), 30*time.Second, func(ctx context.Context) error {
			return fs.handle.DeleteObject(uint32(child.ItemID))
		})
		if runErr != nil {
			return recoveryErrno("unlink", runErr)
		}
	}

	fs.tree.NoteDelete(parent, op.Name, child.Path)
	return nil
}

// Rename implements §6.1's rename(old, new). Grounded on the original
// binding's rename(), simplified: it deletes any existing target file
// object, renames the object in place (set_folder_name for folders,
// set_file_name for files), and refreshes both parents. The original
// binding's backup-and-restore of the target after a failed native rename
// is not reproduced.
func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldParent, ok := fs.entryForInode(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParent, ok := fs.entryForInode(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}

	child, err := fs.lookupChild(oldParent, op.OldName)
	if err != nil {
		return ferrors.Errno(err)
	}

	if existing, err := fs.lookupChild(newParent, op.NewName); err == nil {
		if existing.IsDirectory() {
			return syscall.EEXIST
		}
		if delErr := fs.handle.DeleteObject(uint32(existing.ItemID)); delErr != nil {
			return ferrors.Errno(ferrors.New(ferrors.TransportError, "rename", delErr))
		}
		fs.tree.NoteDelete(newParent, op.NewName, existing.Path)
	}

	runErr := recovery.Run(ctx, fs.deviceAdapter(), 30*time.Second, func(ctx context.Context) error {
		if child.IsDirectory() {
			return fs.handle.SetFolderName(uint32(child.ItemID), op.NewName)
		}
		return fs.handle.SetFileName(uint32(child.ItemID), op.NewName)
	})
	if runErr != nil {
		return recoveryErrno("rename", runErr)
	}

	newPath := path.Join(newParent.Path, op.NewName)
	fs.tree.NoteRename(oldParent, newParent, op.OldName, child.Path, newPath)
	child.Name = op.NewName
	child.Path = newPath
	child.ParentID = uint32(newParent.ItemID)
	newParent.MarkNeedsRefresh()
	return nil
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.entryForInode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if !e.IsDirectory() {
		return syscall.ENOTDIR
	}

	handleID := fs.nextHandleID
	fs.nextHandleID++
	op.Handle = handleID
	return nil
}

// ReadDir implements invariant 3: a folder marked needs_refresh must be
// re-listed before any iteration of its children is returned.
func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.entryForInode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	var dh *dirHandle
	if op.Offset == 0 || fs.dirHandles[op.Handle] == nil {
		// The virtual root (invariant 1) is not an MTP object: it has no
		// StorageID/ItemID to list, and re-listing it would replace the
		// storages OpenStorages populated with ListFolderContents(0, 0)'s
		// result. Only real folders get refreshed here.
		if e.Path != "/" {
			if err := fs.tree.Refresh(e); err != nil {
				return ferrors.Errno(ferrors.New(ferrors.TransportError, "readdir", err))
			}
		}

		entries := []fuseutil.Dirent{
			{Offset: 1, Inode: op.Inode, Name: ".", Type: fuseutil.DT_Directory},
			{Offset: 2, Inode: fs.parentInodeOrSelf(e, op.Inode), Name: "..", Type: fuseutil.DT_Directory},
		}
		for i, child := range e.IterChildren() {
			typ := fuseutil.DT_File
			if child.IsDirectory() {
				typ = fuseutil.DT_Directory
			}
			entries = append(entries, fuseutil.Dirent{
				Offset: fuseops.DirOffset(i + 3),
				Inode:  fs.mintInode(child),
				Name:   child.Name,
				Type:   typ,
			})
		}
		dh = &dirHandle{entries: entries}
		fs.dirHandles[op.Handle] = dh
	} else {
		dh = fs.dirHandles[op.Handle]
	}

	if int(op.Offset) >= len(dh.entries) {
		return nil
	}

	for _, ent := range dh.entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], ent)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FileSystem) parentInodeOrSelf(e *tree.Entry, self fuseops.InodeID) fuseops.InodeID {
	if e.Path == "/" {
		return self
	}
	parent, err := fs.tree.Resolve(path.Dir(e.Path))
	if err != nil {
		return self
	}
	return fs.mintInode(parent)
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delete(fs.dirHandles, op.Handle)
	return nil
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.entryForInode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if e.IsDirectory() {
		return syscall.EISDIR
	}

	readonly := !op.Flags.IsWriteOnly() && !op.Flags.IsReadWrite()

	var spoolHandle *spool.Handle
	var err error
	if readonly {
		err = recovery.Run(ctx, fs.deviceAdapter(), fs.spool.ReadTimeout(e.Size), func(ctx context.Context) error {
			var innerErr error
			spoolHandle, innerErr = fs.spool.OpenForRead(ctx, fs.handle, uint32(e.ItemID), e.Path, e.Size)
			return innerErr
		})
	} else {
		err = recovery.Run(ctx, fs.deviceAdapter(), fs.spool.ReadTimeout(e.Size), func(ctx context.Context) error {
			var innerErr error
			spoolHandle, innerErr = fs.spool.OpenForWrite(ctx, fs.handle, uint32(e.ItemID), e.Path, e.Size)
			return innerErr
		})
	}
	if err != nil {
		return recoveryErrno("open", err)
	}

	handleID := fs.nextHandleID
	fs.nextHandleID++
	fh := &fileHandle{spoolHandle: spoolHandle, entry: e, filetype: e.Filetype}
	if !readonly {
		fh.existingObjectID = uint32(e.ItemID)
		if parent, perr := fs.tree.Resolve(path.Dir(e.Path)); perr == nil {
			fh.parent = parent
		}
	}
	fs.fileHandles[handleID] = fh
	op.Handle = handleID
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fh, ok := fs.fileHandles[op.Handle]
	if !ok {
		return syscall.EBADF
	}

	n, err := fh.spoolHandle.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil {
		return ferrors.Errno(ferrors.New(ferrors.IOError, "read", err))
	}
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fh, ok := fs.fileHandles[op.Handle]
	if !ok {
		return syscall.EBADF
	}
	if fh.spoolHandle.Readonly {
		return syscall.EBADF
	}

	if _, err := fh.spoolHandle.WriteAt(op.Data, op.Offset); err != nil {
		return ferrors.Errno(ferrors.New(ferrors.IOError, "write", err))
	}
	return nil
}

// SyncFile is a no-op that reports success: written data stays in the
// scratch file and reaches the device only when the handle is released.
func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

// ReleaseFileHandle implements §4.3 "Release (flush-on-close)".
func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fh, ok := fs.fileHandles[op.Handle]
	if !ok {
		return nil
	}
	delete(fs.fileHandles, op.Handle)

	if fh.spoolHandle.Readonly {
		spool.Discard(fh.spoolHandle)
		return nil
	}

	size, _ := fh.spoolHandle.Size()
	var result spool.ReleaseResult
	err := recovery.Run(context.Background(), fs.deviceAdapter(), fs.spool.WriteTimeout(uint64(size)), func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fs.spool.Release(ctx, fs.handle, fh.spoolHandle, fh.existingObjectID, fh.entry.StorageID, parentIDOf(fh.parent), fh.filetype)
		return innerErr
	})
	if err != nil {
		fs.log.Printf("release %s: %v", fh.spoolHandle.RemotePath, err)
		return recoveryErrno("release", err)
	}

	if result.Uploaded {
		fh.entry.ItemID = int64(result.NewObject.ItemID)
		fh.entry.Size = result.NewObject.Size
		if created := fs.tree.CreatedCache(fh.entry.Path); created != nil {
			created.Remove(fh.entry.Path)
		}
		if fh.parent != nil {
			fh.parent.MarkNeedsRefresh()
		}
	}
	return nil
}

// deviceAdapter exposes the FileSystem's device as a recovery.Device,
// bridging to internal/mtp and internal/tree's storage list.
func (fs *FileSystem) deviceAdapter() recovery.Device {
	return fsDeviceAdapter{fs}
}

type fsDeviceAdapter struct{ fs *FileSystem }

func (a fsDeviceAdapter) Close() error {
	a.fs.handle.ClearErrorStack()
	return nil
}

func (a fsDeviceAdapter) Reopen(fullRescan bool) error {
	if fullRescan {
		return a.fs.tree.OpenStorages()
	}
	return nil
}

func (a fsDeviceAdapter) Probe() error {
	_, err := a.fs.handle.GetStorageList()
	return err
}

// transportAdapter adapts *mtp.Handle to tree.Transport.
type transportAdapter struct{ h Device }

func (t transportAdapter) GetStorageList() ([]mtp.StorageInfo, error) {
	return t.h.GetStorageList()
}

func (t transportAdapter) ListFolderContents(storageID, folderID uint32) ([]mtp.RawFolder, []mtp.RawFile, error) {
	return t.h.ListFolderContents(storageID, folderID)
}

// realClock is defined here rather than imported from clockutil to avoid a
// needless indirection at this single call site; kept minimal deliberately.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
