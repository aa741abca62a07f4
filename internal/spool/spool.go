// Package spool implements the open-file spool (component C): it
// materialises MTP objects to local scratch files on open, buffers writes
// locally, and flushes them back to the device on release.
//
// Grounded on gcsfuse's gcsproxy.MutableObject (ensureLocalFile, dirty
// tracking via an *os.File, Sync-on-demand uploading), adapted from GCS
// generations to MTP's whole-object get/send/delete calls.
package spool

import (
	"context"
	"errors"
	"flag"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tibnor/mtpfs/internal/mtp"
)

var fEnableDebug = flag.Bool(
	"spool.debug",
	false,
	"Write spool debugging messages to stderr.")

func getLogger() *log.Logger {
	var w io.Writer = ioutil.Discard
	if *fEnableDebug {
		w = os.Stderr
	}
	return log.New(w, "spool: ", log.LstdFlags)
}

// minTimeout is the floor in §4.3's max(10, rate*size) timeout formula.
const minTimeout = 10 * time.Second

// shortReadRetries is how many times a short read is retried before the
// spool gives up and returns whatever was read (§4.3 "Read / write /
// truncate").
const shortReadRetries = 2

// ErrTimedOut is returned when a transfer's deadline elapses; the scratch
// fd is closed to unblock the native call, per the design note that a
// per-call watchdog cancels a bulk transfer by closing the backing fd.
var ErrTimedOut = errors.New("spool: transfer timed out")

// Uploader is the subset of the mtp binding the spool needs to move bytes
// to and from the device. A minimal, typed interface so tests can supply a
// fake transport instead of a real libmtp handle.
type Uploader interface {
	GetObjectToFD(objectID uint32, fd *os.File) error
	SendObjectFromFD(fd *os.File, name string, size uint64, storageID, parentID uint32, filetype int) (uint32, error)
	DeleteObject(id uint32) error
}

// Handle is an open scratch file bound to one remote path, keyed by handle
// ID in the dispatcher's open-handle table.
type Handle struct {
	FD         *os.File
	ScratchPath string
	RemotePath string
	Readonly   bool

	dirty bool
}

// Spool owns the per-mount scratch directory and the rate constants used
// to compute per-transfer timeouts.
type Spool struct {
	dir          string
	log          *log.Logger
	readPerByte  time.Duration
	writePerByte time.Duration
}

// New creates a scratch directory under baseDir (the system temp directory
// in production), named with the "pymtpfs" prefix per §6.4, and returns a
// Spool that allocates files within it.
func New(baseDir string, readPerByte, writePerByte time.Duration) (*Spool, error) {
	dir, err := ioutil.TempDir(baseDir, "pymtpfs")
	if err != nil {
		return nil, err
	}
	return &Spool{
		dir:          dir,
		log:          getLogger(),
		readPerByte:  readPerByte,
		writePerByte: writePerByte,
	}, nil
}

// Dir returns the scratch directory path.
func (s *Spool) Dir() string { return s.dir }

// Close recursively removes the scratch directory, matching the "entire
// directory is removed on clean shutdown" requirement of §6.4.
func (s *Spool) Close() error {
	return os.RemoveAll(s.dir)
}

// ReadTimeout computes the timeout for downloading an object of the given
// size, per §4.3 step 2's max(10, read_timeout_per_byte * size) formula.
func (s *Spool) ReadTimeout(size uint64) time.Duration {
	return maxDuration(minTimeout, s.readPerByte*time.Duration(size))
}

// WriteTimeout computes the timeout for uploading size bytes, per §4.3
// Release step 3's equivalent formula.
func (s *Spool) WriteTimeout(size uint64) time.Duration {
	return maxDuration(minTimeout, s.writePerByte*time.Duration(size))
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// allocateScratchFile creates a new, uniquely named scratch file preserving
// remotePath's base name and extension, matching §6.4's "named by mkstemp
// with the original file's base name and extension preserved".
func (s *Spool) allocateScratchFile(remotePath string) (*os.File, string, error) {
	base := filepath.Base(remotePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "file"
	}

	f, err := ioutil.TempFile(s.dir, stem+"-*"+ext)
	if err != nil {
		return nil, "", err
	}
	return f, f.Name(), nil
}

// OpenForRead materialises objectID to a fresh scratch file for a
// read-only handle, per §4.3 "Open-for-read".
func (s *Spool) OpenForRead(ctx context.Context, up Uploader, objectID uint32, remotePath string, size uint64) (*Handle, error) {
	f, scratchPath, err := s.allocateScratchFile(remotePath)
	if err != nil {
		return nil, err
	}

	if err := runWithDeadline(ctx, f, func() error {
		return up.GetObjectToFD(objectID, f)
	}); err != nil {
		f.Close()
		os.Remove(scratchPath)
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(scratchPath)
		return nil, err
	}

	return &Handle{FD: f, ScratchPath: scratchPath, RemotePath: remotePath, Readonly: true}, nil
}

// OpenForWrite allocates a scratch file for a writable handle. If
// existingObjectID is non-zero, the existing object's contents are
// materialised first to support partial overwrite (§4.3 "Open/create-for-
// write" step 2).
func (s *Spool) OpenForWrite(ctx context.Context, up Uploader, existingObjectID uint32, remotePath string, existingSize uint64) (*Handle, error) {
	f, scratchPath, err := s.allocateScratchFile(remotePath)
	if err != nil {
		return nil, err
	}

	if existingObjectID != 0 {
		if err := runWithDeadline(ctx, f, func() error {
			return up.GetObjectToFD(existingObjectID, f)
		}); err != nil {
			f.Close()
			os.Remove(scratchPath)
			return nil, err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			os.Remove(scratchPath)
			return nil, err
		}
	}

	return &Handle{FD: f, ScratchPath: scratchPath, RemotePath: remotePath, Readonly: false}, nil
}

// CreateForWrite allocates a zero-length scratch file for a brand-new path,
// per §4.3 "Open/create-for-write" step 3 (the placeholder File entry
// itself is the tree package's responsibility; the spool only owns the
// backing scratch file).
func (s *Spool) CreateForWrite(remotePath string) (*Handle, error) {
	f, scratchPath, err := s.allocateScratchFile(remotePath)
	if err != nil {
		return nil, err
	}
	return &Handle{FD: f, ScratchPath: scratchPath, RemotePath: remotePath, Readonly: false}, nil
}

// ReadAt performs a positional read, retrying a short read up to
// shortReadRetries times before returning whatever was read, per §4.3
// "Read / write / truncate".
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for attempt := 0; attempt <= shortReadRetries; attempt++ {
		n, err := h.FD.ReadAt(p[total:], off+int64(total))
		total += n
		if err != nil && err != io.EOF {
			return total, err
		}
		if total >= len(p) || err == io.EOF {
			return total, nil
		}
	}
	return total, nil
}

// WriteAt performs a positional write and marks the handle dirty.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	n, err := h.FD.WriteAt(p, off)
	if n > 0 {
		h.dirty = true
	}
	return n, err
}

// Truncate resizes the scratch file in place.
func (h *Handle) Truncate(size int64) error {
	h.dirty = true
	return h.FD.Truncate(size)
}

// Size returns the current size of the scratch file.
func (h *Handle) Size() (int64, error) {
	fi, err := h.FD.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ReleaseResult reports what Release did, so the caller (internal/fs) can
// update the tree's cache and created-LRU appropriately.
type ReleaseResult struct {
	Uploaded   bool
	NewObject  mtp.RawFile
}

// Release implements §4.3 "Release (flush-on-close)". For a read-only
// handle it simply closes and deletes the scratch file. For a writable
// handle, it deletes any existing remote object at the same path (MTP has
// no overwrite), uploads the scratch file, and on success deletes the
// scratch file; the caller is responsible for resolving the created-LRU
// placeholder and marking the parent needs_refresh.
func (s *Spool) Release(ctx context.Context, up Uploader, h *Handle, existingObjectID uint32, storageID, parentID uint32, filetype int) (ReleaseResult, error) {
	defer func() {
		h.FD.Close()
		os.Remove(h.ScratchPath)
	}()

	if h.Readonly || !h.dirty {
		return ReleaseResult{}, nil
	}

	size, err := h.Size()
	if err != nil {
		return ReleaseResult{}, err
	}

	if existingObjectID != 0 {
		if err := up.DeleteObject(existingObjectID); err != nil {
			s.log.Printf("release: failed to delete existing object %d for %s: %v", existingObjectID, h.RemotePath, err)
			return ReleaseResult{}, err
		}
	}

	if _, err := h.FD.Seek(0, io.SeekStart); err != nil {
		return ReleaseResult{}, err
	}

	name := filepath.Base(h.RemotePath)
	var newID uint32
	err = runWithDeadline(ctx, h.FD, func() error {
		id, sendErr := up.SendObjectFromFD(h.FD, name, uint64(size), storageID, parentID, filetype)
		newID = id
		return sendErr
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	return ReleaseResult{
		Uploaded: true,
		NewObject: mtp.RawFile{
			ItemID:    newID,
			ParentID:  parentID,
			StorageID: storageID,
			Name:      name,
			Size:      uint64(size),
			Filetype:  filetype,
		},
	}, nil
}

// Discard closes and deletes a handle's scratch file without uploading,
// used by callers for read-only release and for cleanup on their own error
// paths. OpenForRead and OpenForWrite close and remove the scratch file
// themselves on every failure path, and Release does so on every exit
// path, so no scratch file is left behind by them.
func Discard(h *Handle) {
	if h == nil || h.FD == nil {
		return
	}
	h.FD.Close()
	os.Remove(h.ScratchPath)
}

// runWithDeadline runs fn in a goroutine and returns its result, unless
// ctx's deadline elapses first, in which case it closes fd to unblock the
// native call (the native I/O is fd-driven, so closing it forces any
// in-flight libmtp call to return) and returns ErrTimedOut.
func runWithDeadline(ctx context.Context, fd *os.File, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		fd.Close()
		<-done // drain so the goroutine doesn't leak
		return ErrTimedOut
	}
}
