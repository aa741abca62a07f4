// Package mtp is a thin, typed binding over libmtp, the native MTP
// transport library. It owns the native device handle; every exported
// function borrows a *Handle that becomes invalid after Release.
//
// Grounded on the ctypes structure layouts and LIBMTP_* call surface in the
// original pymtpfs.mtp module (LIBMTP_mtpdevice_struct,
// LIBMTP_devicestorage_struct, LIBMTP_folder_struct, LIBMTP_file_struct).
package mtp

/*
#cgo LDFLAGS: -lmtp
#include <libmtp.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"os"
	"sync"
	"unsafe"
)

var initOnce sync.Once

// initLibrary performs the one-time LIBMTP_Init() call required before any
// other libmtp function is used. The native library keeps process-wide
// state, so this must run exactly once regardless of how many Handles are
// opened and closed over the life of the process.
func initLibrary() {
	initOnce.Do(func() {
		C.LIBMTP_Init()
	})
}

// Handle is a borrowed reference to an open native device. It must not be
// used after Release.
type Handle struct {
	raw *C.LIBMTP_mtpdevice_t
}

// DetectDevices enumerates connected raw MTP devices without opening any of
// them, mirroring MTP.refresh() in the original binding.
func DetectDevices() ([]Device, error) {
	initLibrary()

	var rawDevices *C.LIBMTP_raw_device_t
	var count C.int

	errCode := C.LIBMTP_Detect_Raw_Devices(&rawDevices, &count)
	if errCode != C.LIBMTP_ERROR_NONE {
		if errCode == C.LIBMTP_ERROR_NO_DEVICE_ATTACHED {
			return nil, nil
		}
		return nil, &TransportError{Op: "detect_devices", Code: int(errCode)}
	}
	defer C.free(unsafe.Pointer(rawDevices))

	devices := make([]Device, 0, int(count))
	raws := unsafe.Slice(rawDevices, int(count))
	for i, rd := range raws {
		devices = append(devices, Device{
			Index:     i,
			VendorID:  uint16(rd.device_entry.vendor_id),
			ProductID: uint16(rd.device_entry.product_id),
			Vendor:    C.GoString(rd.device_entry.vendor),
			Product:   C.GoString(rd.device_entry.product),
			BusNumber: uint32(rd.bus_location),
			DeviceNum: uint32(rd.devnum),
		})
	}
	return devices, nil
}

// OpenRawUncached opens the device at the given index without the cache
// layer libmtp otherwise maintains; mirrors
// LIBMTP_Open_Raw_Device_Uncached(&rawDevices[idx]).
func OpenRawUncached(idx int) (*Handle, error) {
	initLibrary()

	var rawDevices *C.LIBMTP_raw_device_t
	var count C.int

	errCode := C.LIBMTP_Detect_Raw_Devices(&rawDevices, &count)
	if errCode != C.LIBMTP_ERROR_NONE {
		return nil, &TransportError{Op: "open_raw_uncached", Code: int(errCode)}
	}
	defer C.free(unsafe.Pointer(rawDevices))

	if idx < 0 || idx >= int(count) {
		return nil, fmt.Errorf("mtp: device index %d out of range (%d devices attached)", idx, int(count))
	}

	raws := unsafe.Slice(rawDevices, int(count))
	dev := C.LIBMTP_Open_Raw_Device_Uncached(&raws[idx])
	if dev == nil {
		return nil, &TransportError{Op: "open_raw_uncached", Code: -1}
	}
	return &Handle{raw: dev}, nil
}

// Release closes the native device. The Handle must not be used again.
func (h *Handle) Release() {
	if h == nil || h.raw == nil {
		return
	}
	C.LIBMTP_Release_Device(h.raw)
	h.raw = nil
}

// ClearErrorStack discards any queued libmtp error records for the device,
// matching the original binding's clear_errorstack call made after every
// operation.
func (h *Handle) ClearErrorStack() {
	if h.raw != nil {
		C.LIBMTP_Clear_Errorstack(h.raw)
	}
}

// GetStorageList refreshes and returns the device's storage list. Also used
// as the liveness probe by the recovery package: a successful call means
// the device responded.
func (h *Handle) GetStorageList() ([]StorageInfo, error) {
	errCode := C.LIBMTP_Get_Storage(h.raw, C.LIBMTP_STORAGE_SORTBY_NOTSORTED)
	if errCode != 0 {
		return nil, &TransportError{Op: "get_storage_list", Code: int(errCode)}
	}

	var storages []StorageInfo
	for s := h.raw.storage; s != nil; s = s.next {
		storages = append(storages, StorageInfo{
			StorageID:      uint32(s.id),
			Description:    C.GoString(s.StorageDescription),
			MaxCapacity:    uint64(s.MaxCapacity),
			FreeSpaceBytes: uint64(s.FreeSpaceInBytes),
		})
	}
	return storages, nil
}

// ListFolderContents lists the immediate folders and files of the given
// folder (folderID == 0 denotes the storage root), mirroring
// MTPFolder.refresh()'s use of LIBMTP_Get_Folder_List_For_Storage and
// LIBMTP_Get_Files_And_Folders.
func (h *Handle) ListFolderContents(storageID, folderID uint32) ([]RawFolder, []RawFile, error) {
	var folders []RawFolder
	rawFolderList := C.LIBMTP_Get_Folder_List_For_Storage(h.raw, C.uint32_t(storageID))
	if rawFolderList != nil {
		defer C.LIBMTP_destroy_folder_t(rawFolderList)
		// The storage root's folders are the top level of the list itself.
		head := rawFolderList
		if folderID != 0 {
			head = findFolder(rawFolderList, C.uint32_t(folderID))
		}
		for f := head; f != nil; f = f.sibling {
			folders = append(folders, RawFolder{
				ItemID:    uint32(f.folder_id),
				ParentID:  uint32(f.parent_id),
				StorageID: uint32(f.storage_id),
				Name:      C.GoString(f.name),
			})
		}
	}

	var files []RawFile
	rawFiles := C.LIBMTP_Get_Files_And_Folders(h.raw, C.uint32_t(storageID), C.uint32_t(folderID))
	for f := rawFiles; f != nil; {
		// Folder objects are also returned here; they are listed above.
		if int(f.filetype) != FiletypeFolder {
			files = append(files, RawFile{
				ItemID:    uint32(f.item_id),
				ParentID:  uint32(f.parent_id),
				StorageID: uint32(f.storage_id),
				Name:      C.GoString(f.filename),
				Size:      uint64(f.filesize),
				ModTime:   int64(f.modificationdate),
				Filetype:  int(f.filetype),
			})
		}
		next := f.next
		C.LIBMTP_destroy_file_t(f)
		f = next
	}

	if len(folders) == 0 && len(files) == 0 {
		h.ClearErrorStack()
	}
	return folders, files, nil
}

// findFolder walks a folder tree returned by LIBMTP_Get_Folder_List_For_Storage
// to locate the node with the given folder_id, so its children (siblings
// under f.child) can be enumerated. Returns the children's head.
func findFolder(root *C.LIBMTP_folder_t, id C.uint32_t) *C.LIBMTP_folder_t {
	if root == nil {
		return nil
	}
	if root.folder_id == id {
		return root.child
	}
	if found := findFolder(root.child, id); found != nil {
		return found
	}
	return findFolder(root.sibling, id)
}

// GetObjectToFD downloads object objectID into the given open file
// descriptor, mirroring LIBMTP_Get_File_To_File_Descriptor.
func (h *Handle) GetObjectToFD(objectID uint32, fd *os.File) error {
	errCode := C.LIBMTP_Get_File_To_File_Descriptor(
		h.raw, C.uint32_t(objectID), C.int(fd.Fd()), nil, nil)
	if errCode != 0 {
		return &TransportError{Op: "get_object_to_fd", Code: int(errCode)}
	}
	return nil
}

// SendObjectFromFD uploads the contents of fd as a new object, returning
// the device-assigned object ID. Mirrors
// LIBMTP_Send_File_From_File_Descriptor.
func (h *Handle) SendObjectFromFD(fd *os.File, name string, size uint64, storageID, parentID uint32, filetype int) (uint32, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	meta := C.LIBMTP_new_file_t()
	defer C.LIBMTP_destroy_file_t(meta)
	meta.filename = cName
	meta.filesize = C.uint64_t(size)
	meta.filetype = C.LIBMTP_filetype_t(filetype)
	meta.storage_id = C.uint32_t(storageID)
	meta.parent_id = C.uint32_t(parentID)

	errCode := C.LIBMTP_Send_File_From_File_Descriptor(h.raw, C.int(fd.Fd()), meta, nil, nil)
	if errCode != 0 {
		return 0, &TransportError{Op: "send_object_from_fd", Code: int(errCode)}
	}
	return uint32(meta.item_id), nil
}

// CreateFolder creates a new folder, returning its device-assigned ID.
func (h *Handle) CreateFolder(name string, parentID, storageID uint32) (uint32, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	id := C.LIBMTP_Create_Folder(h.raw, cName, C.uint32_t(parentID), C.uint32_t(storageID))
	if id == 0 {
		return 0, &TransportError{Op: "create_folder", Code: -1}
	}
	return uint32(id), nil
}

// DeleteObject removes a file or folder object from the device.
func (h *Handle) DeleteObject(id uint32) error {
	errCode := C.LIBMTP_Delete_Object(h.raw, C.uint32_t(id))
	if errCode != 0 {
		return &TransportError{Op: "delete_object", Code: int(errCode)}
	}
	return nil
}

// SetFileName renames a file object in place.
func (h *Handle) SetFileName(id uint32, newName string) error {
	cName := C.CString(newName)
	defer C.free(unsafe.Pointer(cName))

	file := C.LIBMTP_Get_Filemetadata(h.raw, C.uint32_t(id))
	if file == nil {
		return &TransportError{Op: "set_file_name", Code: -1}
	}
	defer C.LIBMTP_destroy_file_t(file)

	errCode := C.LIBMTP_Set_File_Name(h.raw, file, cName)
	if errCode != 0 {
		return &TransportError{Op: "set_file_name", Code: int(errCode)}
	}
	return nil
}

// SetFolderName renames a folder object in place.
func (h *Handle) SetFolderName(id uint32, newName string) error {
	cName := C.CString(newName)
	defer C.free(unsafe.Pointer(cName))

	errCode := C.LIBMTP_Set_Folder_Name(h.raw, C.uint32_t(id), cName)
	if errCode != 0 {
		return &TransportError{Op: "set_folder_name", Code: int(errCode)}
	}
	return nil
}
