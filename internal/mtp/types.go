package mtp

import "fmt"

// Device describes a raw MTP device as enumerated by the transport library,
// grounded on LIBMTP_raw_device_struct / LIBMTP_device_entry_struct in the
// original ctypes binding.
type Device struct {
	Index      int
	VendorID   uint16
	ProductID  uint16
	Vendor     string
	Product    string
	BusNumber  uint32
	DeviceNum  uint32
}

// String renders the "vvvv:pppp vendor product" form used by the -l CLI
// listing surface, matching MTPDevice.__str__ in the original binding.
func (d Device) String() string {
	return fmt.Sprintf("%04x:%04x %s %s", d.VendorID, d.ProductID, d.Vendor, d.Product)
}

// StorageInfo mirrors LIBMTP_devicestorage_struct: a top-level container on
// the device plus enough metadata to report filesystem capacity.
type StorageInfo struct {
	StorageID      uint32
	Description    string
	MaxCapacity    uint64
	FreeSpaceBytes uint64
}

// RawFolder mirrors LIBMTP_folder_struct.
type RawFolder struct {
	ItemID    uint32
	ParentID  uint32
	StorageID uint32
	Name      string
}

// RawFile mirrors LIBMTP_file_struct.
type RawFile struct {
	ItemID    uint32
	ParentID  uint32
	StorageID uint32
	Name      string
	Size      uint64
	ModTime   int64 // unix seconds, as returned by the native struct
	Filetype  int
}
