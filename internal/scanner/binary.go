package scanner

import (
	"bytes"
	"path/filepath"
	"strings"
)

// binaryExtensions lists file extensions the scanner treats as opaque
// without reading their contents, mirroring the teacher's extension-based
// fast path ahead of its magic-number sniff.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".ico": true, ".webp": true,
	".ttf": true, ".otf": true, ".woff": true, ".woff2": true, ".eot": true,
	".zip": true, ".tar": true, ".gz": true, ".bz2": true, ".xz": true, ".7z": true, ".rar": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true, ".o": true, ".a": true,
	".mp3": true, ".mp4": true, ".wav": true, ".avi": true, ".mov": true, ".mkv": true, ".flac": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
	".db": true, ".sqlite": true, ".sqlite3": true,
}

// nonBinaryOverrides carries double extensions or always-text files that
// would otherwise be misclassified by a naive single-extension check.
var nonBinaryOverrides = map[string]bool{
	".svg": true, ".map": true,
}

func IsBinaryByExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if nonBinaryOverrides[ext] {
		return false
	}
	return binaryExtensions[ext]
}

var magicNumbers = [][]byte{
	{0x1f, 0x8b},                   // gzip
	{0x50, 0x4b, 0x03, 0x04},       // zip
	{0x89, 0x50, 0x4e, 0x47},       // png
	{0xff, 0xd8, 0xff},             // jpeg
	{0x47, 0x49, 0x46, 0x38},       // gif
	{0x25, 0x50, 0x44, 0x46},       // pdf
	{0x7f, 0x45, 0x4c, 0x46},       // elf
	{0x4d, 0x5a},                   // DOS/PE exe
	{0xca, 0xfe, 0xba, 0xbe},       // mach-o fat
	{0xfe, 0xed, 0xfa, 0xce},       // mach-o 32
	{0xfe, 0xed, 0xfa, 0xcf},       // mach-o 64
	{0x77, 0x4f, 0x46, 0x46},       // woff
	{0x77, 0x4f, 0x46, 0x32},       // woff2
}

// IsBinaryByMagicNumber sniffs the first bytes of content for known
// magic numbers, falling back to a null-byte/non-printable-ratio
// heuristic for formats without a fixed signature.
func IsBinaryByMagicNumber(content []byte) bool {
	for _, magic := range magicNumbers {
		if bytes.HasPrefix(content, magic) {
			return true
		}
	}
	sample := content
	if len(sample) > 512 {
		sample = sample[:512]
	}
	if bytes.IndexByte(sample, 0x00) >= 0 {
		return true
	}
	nonPrintable := 0
	for _, b := range sample {
		if b < 0x09 || (b > 0x0d && b < 0x20) {
			nonPrintable++
		}
	}
	return len(sample) > 0 && nonPrintable*10 > len(sample)
}

// IsBinary combines the cheap extension check with a content sniff,
// matching the teacher's two-stage detection: avoid reading a file at all
// when the extension is conclusive, only sniffing bytes when it is not.
func IsBinary(path string, content []byte) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if nonBinaryOverrides[ext] {
		return false
	}
	if binaryExtensions[ext] {
		return true
	}
	return IsBinaryByMagicNumber(content)
}
