package tree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tibnor/mtpfs/internal/clockutil"
	"github.com/tibnor/mtpfs/internal/mtp"
)

// fakeTransport is an in-memory Transport for tests, grounded on the fake
// bucket style used throughout gcsfuse's gcsproxy tests.
type fakeTransport struct {
	storages []mtp.StorageInfo
	// folderContents[storageID][folderID] -> (folders, files)
	folderContents map[uint32]map[uint32]struct {
		folders []mtp.RawFolder
		files   []mtp.RawFile
	}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		folderContents: make(map[uint32]map[uint32]struct {
			folders []mtp.RawFolder
			files   []mtp.RawFile
		}),
	}
}

func (f *fakeTransport) GetStorageList() ([]mtp.StorageInfo, error) {
	return f.storages, nil
}

func (f *fakeTransport) ListFolderContents(storageID, folderID uint32) ([]mtp.RawFolder, []mtp.RawFile, error) {
	byFolder, ok := f.folderContents[storageID]
	if !ok {
		return nil, nil, nil
	}
	c := byFolder[folderID]
	return c.folders, c.files, nil
}

func (f *fakeTransport) setContents(storageID, folderID uint32, folders []mtp.RawFolder, files []mtp.RawFile) {
	if f.folderContents[storageID] == nil {
		f.folderContents[storageID] = make(map[uint32]struct {
			folders []mtp.RawFolder
			files   []mtp.RawFile
		})
	}
	f.folderContents[storageID][folderID] = struct {
		folders []mtp.RawFolder
		files   []mtp.RawFile
	}{folders, files}
}

func newTestTree(t *testing.T) (*Tree, *fakeTransport) {
	ft := newFakeTransport()
	ft.storages = []mtp.StorageInfo{
		{StorageID: 1, Description: "Internal", MaxCapacity: 1 << 30},
		{StorageID: 2, Description: "Card", MaxCapacity: 1 << 30},
	}
	tr := NewTree(ft, clockutil.NewFakeClock(time.Unix(0, 0)), 8)
	require.NoError(t, tr.OpenStorages())
	return tr, ft
}

func TestResolveRoot(t *testing.T) {
	tr, _ := newTestTree(t)
	e, err := tr.Resolve("/")
	require.NoError(t, err)
	require.True(t, e.IsDirectory())
	require.Equal(t, "/", e.Path)
}

func TestResolveStorage(t *testing.T) {
	tr, _ := newTestTree(t)
	e, err := tr.Resolve("/Internal")
	require.NoError(t, err)
	require.Equal(t, KindStorage, e.Kind)

	_, err = tr.Resolve("/Nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveWalksAndCaches(t *testing.T) {
	tr, ft := newTestTree(t)
	ft.setContents(1, 0, []mtp.RawFolder{{ItemID: 10, ParentID: 0, StorageID: 1, Name: "Music"}}, nil)
	ft.setContents(1, 10, nil, []mtp.RawFile{{ItemID: 20, ParentID: 10, StorageID: 1, Name: "song.mp3", Size: 5}})

	e, err := tr.Resolve("/Internal/Music/song.mp3")
	require.NoError(t, err)
	require.Equal(t, KindFile, e.Kind)
	require.EqualValues(t, 5, e.Size)

	cache := tr.PathCacheFor("/Internal")
	_, ok := cache.Get("/Internal/Music")
	require.True(t, ok)
}

func TestSanitizeReplacesForbiddenChars(t *testing.T) {
	tr, _ := newTestTree(t)
	got := tr.Sanitize(`/Internal/weird:name?.txt`)
	require.Equal(t, `/Internal/weird-name-.txt`, got)
	// idempotence (testable property 4)
	require.Equal(t, got, tr.Sanitize(got))
}

func TestNoteCreateMarksParentNeedsRefresh(t *testing.T) {
	tr, ft := newTestTree(t)
	ft.setContents(1, 0, nil, nil)

	storage, err := tr.Resolve("/Internal")
	require.NoError(t, err)
	require.NoError(t, tr.Refresh(storage))
	require.False(t, storage.NeedsRefresh())

	placeholder := &Entry{Kind: KindFile, ItemID: UnflushedSentinelID, Name: "new.txt", Path: "/Internal/new.txt"}
	tr.NoteCreate(storage, placeholder)

	require.True(t, storage.NeedsRefresh())
	child, ok := storage.Child("new.txt")
	require.True(t, ok)
	require.Equal(t, int64(UnflushedSentinelID), child.ItemID)
}

func TestNoteDeleteRemovesFromCache(t *testing.T) {
	tr, ft := newTestTree(t)
	ft.setContents(1, 0, nil, []mtp.RawFile{{ItemID: 5, Name: "a.txt", Size: 1}})

	_, err := tr.Resolve("/Internal/a.txt")
	require.NoError(t, err)

	storage, _ := tr.Resolve("/Internal")
	tr.NoteDelete(storage, "a.txt", "/Internal/a.txt")

	_, ok := storage.Child("a.txt")
	require.False(t, ok)
	_, ok = tr.PathCacheFor("/Internal").Get("/Internal/a.txt")
	require.False(t, ok)
}
