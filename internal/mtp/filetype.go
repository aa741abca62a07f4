package mtp

import (
	"path/filepath"
	"strings"
)

// LIBMTP_FILETYPE_* codes, as defined by libmtp's mtp.h. Numbered exactly as
// the enum is (including the gap entries this binding never names) so the
// values passed to C.LIBMTP_filetype_t in binding.go line up with what the
// device actually expects.
const (
	FiletypeFolder             = 0
	FiletypeWAV                = 1
	FiletypeMP3                = 2
	FiletypeWMA                = 3
	FiletypeOGG                = 4
	FiletypeAudible            = 5
	FiletypeMP4                = 6
	FiletypeUndefAudio         = 7
	FiletypeWMV                = 8
	FiletypeAVI                = 9
	FiletypeMPEG               = 10
	FiletypeASF                = 11
	FiletypeQT                 = 12
	FiletypeUndefVideo         = 13
	FiletypeJPEG               = 14
	FiletypeJFIF               = 15
	FiletypeTIFF               = 16
	FiletypeBMP                = 17
	FiletypeGIF                = 18
	FiletypePICT               = 19
	FiletypePNG                = 20
	FiletypeVCalendar1         = 21
	FiletypeVCalendar2         = 22
	FiletypeVCard2             = 23
	FiletypeVCard3             = 24
	FiletypeWindowsImageFormat = 25
	FiletypeWinExec            = 26
	FiletypeText               = 27
	FiletypeHTML               = 28
	FiletypeFirmware           = 29
	FiletypeAAC                = 30
	FiletypeMediaCard          = 31
	FiletypeFLAC               = 32
	FiletypeMP2                = 33
	FiletypeM4A                = 34
	FiletypeDOC                = 35
	FiletypeXML                = 36
	FiletypeXLS                = 37
	FiletypePPT                = 38
	FiletypeMHT                = 39
	FiletypeJP2                = 40
	FiletypeJPX                = 41
	FiletypeAlbum              = 42
	FiletypePlaylist           = 43
	FiletypeUnknown            = 44
)

// extensionFiletype is the fixed extension to libmtp filetype lookup table,
// transcribed from the original MTPType.dict. The 'ogg' entry is assigned
// twice in the source dict literal (first to FiletypeOGG, then overwritten
// by a later 'ogg': LIBMTP_FILETYPE_AUDIBLE entry); Python dict-literal
// semantics mean only the second assignment survives, so the effective
// mapping here is 'ogg' -> FiletypeAudible. Likewise 'ape' is mapped to
// FiletypeAudible in the original dict literal, not a dedicated APE type
// (libmtp has none). Kept verbatim for behavioral fidelity rather than
// "fixed" to the presumably-intended values.
var extensionFiletype = map[string]int{
	"wav":  FiletypeWAV,
	"mp3":  FiletypeMP3,
	"wma":  FiletypeWMA,
	"ogg":  FiletypeOGG,
	"mp4":  FiletypeMP4,
	"wmv":  FiletypeWMV,
	"avi":  FiletypeAVI,
	"mpeg": FiletypeMPEG,
	"asf":  FiletypeASF,
	"qt":   FiletypeQT,
	"jpeg": FiletypeJPEG,
	"jfif": FiletypeJFIF,
	"tiff": FiletypeTIFF,
	"bmp":  FiletypeBMP,
	"gif":  FiletypeGIF,
	"pict": FiletypePICT,
	"png":  FiletypePNG,
	"text": FiletypeText,
	"txt":  FiletypeText,
	"html": FiletypeHTML,
	"aac":  FiletypeAAC,
	"flac": FiletypeFLAC,
	"mp2":  FiletypeMP2,
	"m4a":  FiletypeM4A,
	"doc":  FiletypeDOC,
	"xml":  FiletypeXML,
	"xls":  FiletypeXLS,
	"ppt":  FiletypePPT,
	"mht":  FiletypeMHT,
	"jp2":  FiletypeJP2,
	"jpx":  FiletypeJPX,
	"ape":  FiletypeAudible,
}

func init() {
	// Reproduce the second 'ogg' assignment explicitly so the collision is
	// visible in the source rather than hidden in a map literal that a
	// future editor might "clean up" by deleting the apparent duplicate.
	extensionFiletype["ogg"] = FiletypeAudible
}

// Filetype returns the libmtp filetype code for path's extension, or
// FiletypeUnknown (accepted by the device as a generic binary file) if the
// extension is unrecognised or absent.
func Filetype(path string) int {
	ext := filepath.Ext(path)
	if ext == "" {
		return FiletypeUnknown
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))

	ft, ok := extensionFiletype[ext]
	if !ok {
		return FiletypeUnknown
	}
	return ft
}
