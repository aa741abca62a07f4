package spool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	objects     map[uint32][]byte
	nextID      uint32
	deleteCalls []uint32
	sendDelay   time.Duration
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: make(map[uint32][]byte), nextID: 100}
}

func (u *fakeUploader) GetObjectToFD(objectID uint32, fd *os.File) error {
	data, ok := u.objects[objectID]
	if !ok {
		return os.ErrNotExist
	}
	_, err := fd.Write(data)
	return err
}

func (u *fakeUploader) SendObjectFromFD(fd *os.File, name string, size uint64, storageID, parentID uint32, filetype int) (uint32, error) {
	if u.sendDelay > 0 {
		time.Sleep(u.sendDelay)
	}
	buf := make([]byte, size)
	if _, err := fd.ReadAt(buf, 0); err != nil {
		return 0, err
	}
	id := u.nextID
	u.nextID++
	u.objects[id] = buf
	return id, nil
}

func (u *fakeUploader) DeleteObject(id uint32) error {
	u.deleteCalls = append(u.deleteCalls, id)
	delete(u.objects, id)
	return nil
}

func TestOpenForReadMaterialisesContent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 0, 0)
	require.NoError(t, err)
	defer s.Close()

	up := newFakeUploader()
	up.objects[1] = []byte("hello")

	h, err := s.OpenForRead(context.Background(), up, 1, "/Internal/hello.txt", 5)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := h.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	Discard(h)
	_, statErr := os.Stat(h.ScratchPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestRoundTripIdentity(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 0, 0)
	require.NoError(t, err)
	defer s.Close()

	up := newFakeUploader()

	h, err := s.CreateForWrite("/Internal/hello.txt")
	require.NoError(t, err)

	want := []byte("hi")
	_, err = h.WriteAt(want, 0)
	require.NoError(t, err)

	result, err := s.Release(context.Background(), up, h, 0, 1, 0, 0)
	require.NoError(t, err)
	require.True(t, result.Uploaded)

	h2, err := s.OpenForRead(context.Background(), up, result.NewObject.ItemID, "/Internal/hello.txt", uint64(len(want)))
	require.NoError(t, err)
	defer Discard(h2)

	got := make([]byte, len(want))
	_, err = h2.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReleaseDeletesExistingRemoteObjectFirst(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 0, 0)
	require.NoError(t, err)
	defer s.Close()

	up := newFakeUploader()
	up.objects[7] = []byte("old")

	h, err := s.OpenForWrite(context.Background(), up, 7, "/Internal/a.txt", 3)
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("newer"), 0)
	require.NoError(t, err)

	_, err = s.Release(context.Background(), up, h, 7, 1, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{7}, up.deleteCalls)
}

func TestReleaseReadonlyJustCleansUp(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 0, 0)
	require.NoError(t, err)
	defer s.Close()

	up := newFakeUploader()
	up.objects[1] = []byte("hello")

	h, err := s.OpenForRead(context.Background(), up, 1, "/Internal/hello.txt", 5)
	require.NoError(t, err)

	result, err := s.Release(context.Background(), up, h, 0, 0, 0, 0)
	require.NoError(t, err)
	require.False(t, result.Uploaded)
	_, statErr := os.Stat(h.ScratchPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestTransferTimesOutAndClosesFD(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 0, 0)
	require.NoError(t, err)
	defer s.Close()

	up := newFakeUploader()
	up.sendDelay = 200 * time.Millisecond

	h, err := s.CreateForWrite("/Internal/slow.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("x"), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = s.Release(ctx, up, h, 0, 1, 0, 0)
	require.ErrorIs(t, err, ErrTimedOut)
}
