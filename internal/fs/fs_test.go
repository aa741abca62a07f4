package fs

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/require"

	"github.com/tibnor/mtpfs/internal/mtp"
)

// fakeDevice is an in-memory Device, grounded on the fake transport/uploader
// style used in internal/tree and internal/spool's own tests.
type fakeDevice struct {
	storages []mtp.StorageInfo
	folders  map[uint32]map[uint32][]mtp.RawFolder
	files    map[uint32]map[uint32][]mtp.RawFile
	objects  map[uint32][]byte
	nextID   uint32

	deletedIDs []uint32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		folders: make(map[uint32]map[uint32][]mtp.RawFolder),
		files:   make(map[uint32]map[uint32][]mtp.RawFile),
		objects: make(map[uint32][]byte),
		nextID:  1000,
	}
}

func (d *fakeDevice) GetStorageList() ([]mtp.StorageInfo, error) {
	return d.storages, nil
}

func (d *fakeDevice) ListFolderContents(storageID, folderID uint32) ([]mtp.RawFolder, []mtp.RawFile, error) {
	var folders []mtp.RawFolder
	var files []mtp.RawFile
	if byFolder, ok := d.folders[storageID]; ok {
		folders = byFolder[folderID]
	}
	if byFolder, ok := d.files[storageID]; ok {
		files = byFolder[folderID]
	}
	return folders, files, nil
}

func (d *fakeDevice) GetObjectToFD(objectID uint32, fd *os.File) error {
	data, ok := d.objects[objectID]
	if !ok {
		return os.ErrNotExist
	}
	_, err := fd.Write(data)
	return err
}

func (d *fakeDevice) SendObjectFromFD(fd *os.File, name string, size uint64, storageID, parentID uint32, filetype int) (uint32, error) {
	buf := make([]byte, size)
	if _, err := fd.ReadAt(buf, 0); err != nil {
		return 0, err
	}
	id := d.nextID
	d.nextID++
	d.objects[id] = buf

	byFolder, ok := d.files[storageID]
	if !ok {
		byFolder = make(map[uint32][]mtp.RawFile)
		d.files[storageID] = byFolder
	}
	byFolder[parentID] = append(byFolder[parentID], mtp.RawFile{
		ItemID: id, ParentID: parentID, StorageID: storageID, Name: name, Size: size, Filetype: filetype,
	})
	return id, nil
}

func (d *fakeDevice) CreateFolder(name string, parentID, storageID uint32) (uint32, error) {
	id := d.nextID
	d.nextID++
	byFolder, ok := d.folders[storageID]
	if !ok {
		byFolder = make(map[uint32][]mtp.RawFolder)
		d.folders[storageID] = byFolder
	}
	byFolder[parentID] = append(byFolder[parentID], mtp.RawFolder{
		ItemID: id, ParentID: parentID, StorageID: storageID, Name: name,
	})
	return id, nil
}

func (d *fakeDevice) DeleteObject(id uint32) error {
	d.deletedIDs = append(d.deletedIDs, id)
	delete(d.objects, id)
	return nil
}

func (d *fakeDevice) SetFileName(id uint32, newName string) error { return nil }
func (d *fakeDevice) SetFolderName(id uint32, newName string) error { return nil }
func (d *fakeDevice) ClearErrorStack()                              {}
func (d *fakeDevice) Release()                                      {}

func newTestFS(t *testing.T, dev *fakeDevice) *FileSystem {
	t.Helper()
	fsys, err := New(Config{
		Handle:         dev,
		ScratchBaseDir: t.TempDir(),
		Uid:            1000,
		Gid:            1000,
	})
	require.NoError(t, err)
	t.Cleanup(fsys.Shutdown)
	return fsys
}

func TestReadDirRootListsStorages(t *testing.T) {
	dev := newFakeDevice()
	dev.storages = []mtp.StorageInfo{{StorageID: 1, Description: "Internal"}}
	fsys := newTestFS(t, dev)

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fsys.OpenDir(context.Background(), openOp))

	readOp := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Handle: openOp.Handle, Offset: 0, Dst: make([]byte, 4096)}
	require.NoError(t, fsys.ReadDir(context.Background(), readOp))
	require.Greater(t, readOp.BytesRead, 0)

	dh := fsys.dirHandles[openOp.Handle]
	require.Len(t, dh.entries, 3) // ".", "..", "Internal"
	require.Equal(t, "Internal", dh.entries[2].Name)
}

func TestCreateWriteReleaseGetattr(t *testing.T) {
	dev := newFakeDevice()
	dev.storages = []mtp.StorageInfo{{StorageID: 1, Description: "Internal"}}
	fsys := newTestFS(t, dev)

	storage, ok := fsys.tree.Root().Child("Internal")
	require.True(t, ok)
	storageInode := fsys.mintInode(storage)

	createOp := &fuseops.CreateFileOp{Parent: storageInode, Name: "song.mp3"}
	require.NoError(t, fsys.CreateFile(context.Background(), createOp))

	writeOp := &fuseops.WriteFileOp{Handle: createOp.Handle, Data: []byte("hello mp3"), Offset: 0}
	require.NoError(t, fsys.WriteFile(context.Background(), writeOp))

	releaseOp := &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}
	require.NoError(t, fsys.ReleaseFileHandle(context.Background(), releaseOp))

	getattrOp := &fuseops.GetInodeAttributesOp{Inode: createOp.Entry.Child}
	require.NoError(t, fsys.GetInodeAttributes(context.Background(), getattrOp))
	require.EqualValues(t, len("hello mp3"), getattrOp.Attributes.Size)
	require.Len(t, dev.objects, 1)
}

func TestMkDirTwiceReturnsEEXIST(t *testing.T) {
	dev := newFakeDevice()
	dev.storages = []mtp.StorageInfo{{StorageID: 1, Description: "Internal"}}
	fsys := newTestFS(t, dev)

	storage, _ := fsys.tree.Root().Child("Internal")
	storageInode := fsys.mintInode(storage)

	mkdirOp := &fuseops.MkDirOp{Parent: storageInode, Name: "Music"}
	require.NoError(t, fsys.MkDir(context.Background(), mkdirOp))

	mkdirOp2 := &fuseops.MkDirOp{Parent: storageInode, Name: "Music"}
	err := fsys.MkDir(context.Background(), mkdirOp2)
	require.ErrorIs(t, err, os.ErrExist)
}

func TestUnlinkDirectoryReturnsEISDIR(t *testing.T) {
	dev := newFakeDevice()
	dev.storages = []mtp.StorageInfo{{StorageID: 1, Description: "Internal"}}
	fsys := newTestFS(t, dev)

	storage, _ := fsys.tree.Root().Child("Internal")
	storageInode := fsys.mintInode(storage)

	mkdirOp := &fuseops.MkDirOp{Parent: storageInode, Name: "Music"}
	require.NoError(t, fsys.MkDir(context.Background(), mkdirOp))

	err := fsys.Unlink(context.Background(), &fuseops.UnlinkOp{Parent: storageInode, Name: "Music"})
	require.ErrorIs(t, err, syscall.EISDIR)
}

func TestWriteToReadonlyHandleReturnsEBADF(t *testing.T) {
	dev := newFakeDevice()
	dev.storages = []mtp.StorageInfo{{StorageID: 1, Description: "Internal"}}
	dev.files[1] = map[uint32][]mtp.RawFile{0: {{ItemID: 5, StorageID: 1, Name: "a.txt", Size: 1}}}
	dev.objects[5] = []byte("x")
	fsys := newTestFS(t, dev)

	storage, _ := fsys.tree.Root().Child("Internal")
	storageInode := fsys.mintInode(storage)

	lookupOp := &fuseops.LookUpInodeOp{Parent: storageInode, Name: "a.txt"}
	require.NoError(t, fsys.LookUpInode(context.Background(), lookupOp))

	openOp := &fuseops.OpenFileOp{Inode: lookupOp.Entry.Child}
	require.NoError(t, fsys.OpenFile(context.Background(), openOp))

	writeOp := &fuseops.WriteFileOp{Handle: openOp.Handle, Data: []byte("y"), Offset: 0}
	err := fsys.WriteFile(context.Background(), writeOp)
	require.ErrorIs(t, err, syscall.EBADF)
}
