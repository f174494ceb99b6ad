package artifacts

import (
	"archive/zip"
	"io"
	"io/fs"
	"path"
	"strings"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
)

// UnzipLimits bounds what SafeUnzip will accept, guarding against
// decompression bombs and path-traversal payloads (spec §4.8).
type UnzipLimits struct {
	MaxEntries          int
	MaxTotalBytes       int64
	MaxCompressionRatio float64 // uncompressed/compressed per entry
}

// DefaultUnzipLimits are conservative defaults for audit-packet sizes.
var DefaultUnzipLimits = UnzipLimits{
	MaxEntries:          2000,
	MaxTotalBytes:       256 << 20, // 256 MiB
	MaxCompressionRatio: 100,
}

// SafeUnzip reads a zip archive from r (of size archiveSize), rejecting
// zip-slip paths, absolute paths, backslashes, drive letters, symlinks,
// duplicate entries, excess entry counts/bytes, and compression ratios
// above threshold. Returns the validated entries' contents keyed by name.
func SafeUnzip(r io.ReaderAt, archiveSize int64, limits UnzipLimits) (map[string][]byte, error) {
	zr, err := zip.NewReader(r, archiveSize)
	if err != nil {
		return nil, coordinatorerrors.SchemaInvalid("not a valid zip archive")
	}

	if len(zr.File) > limits.MaxEntries {
		return nil, coordinatorerrors.New("UNZIP_TOO_MANY_ENTRIES", "archive exceeds maximum entry count", 400).
			WithDetails("entries", len(zr.File)).WithDetails("max", limits.MaxEntries)
	}

	seen := make(map[string]bool, len(zr.File))
	out := make(map[string][]byte, len(zr.File))
	var totalBytes int64

	for _, f := range zr.File {
		if err := validateEntryName(f.Name); err != nil {
			return nil, err
		}
		if seen[f.Name] {
			return nil, coordinatorerrors.New("UNZIP_DUPLICATE_ENTRY", "archive contains a duplicate entry name", 400).
				WithDetails("name", f.Name)
		}
		seen[f.Name] = true

		if f.Mode()&fs.ModeSymlink != 0 { // S_IFLNK in the entry's unix mode
			return nil, coordinatorerrors.New("UNZIP_SYMLINK_REJECTED", "archive contains a symlink entry", 400).
				WithDetails("name", f.Name)
		}

		uncompressedSize := int64(f.UncompressedSize64)
		compressedSize := int64(f.CompressedSize64)
		if compressedSize > 0 && limits.MaxCompressionRatio > 0 {
			ratio := float64(uncompressedSize) / float64(compressedSize)
			if ratio > limits.MaxCompressionRatio {
				return nil, coordinatorerrors.New("UNZIP_COMPRESSION_RATIO_EXCEEDED", "archive entry compression ratio exceeds threshold", 400).
					WithDetails("name", f.Name).WithDetails("ratio", ratio)
			}
		}

		totalBytes += uncompressedSize
		if totalBytes > limits.MaxTotalBytes {
			return nil, coordinatorerrors.New("UNZIP_TOTAL_SIZE_EXCEEDED", "archive exceeds maximum total uncompressed bytes", 400).
				WithDetails("totalBytes", totalBytes).WithDetails("max", limits.MaxTotalBytes)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, coordinatorerrors.Wrap("UNZIP_ENTRY_READ_FAILED", "failed to open archive entry", 400, err).
				WithDetails("name", f.Name)
		}
		data, err := io.ReadAll(io.LimitReader(rc, limits.MaxTotalBytes+1))
		rc.Close()
		if err != nil {
			return nil, coordinatorerrors.Wrap("UNZIP_ENTRY_READ_FAILED", "failed to read archive entry", 400, err).
				WithDetails("name", f.Name)
		}
		if int64(len(data)) > limits.MaxTotalBytes {
			return nil, coordinatorerrors.New("UNZIP_TOTAL_SIZE_EXCEEDED", "archive entry exceeds maximum total uncompressed bytes", 400).
				WithDetails("name", f.Name)
		}
		out[f.Name] = data
	}
	return out, nil
}

// validateEntryName rejects zip-slip, absolute paths, backslashes, and
// Windows drive-letter paths — every path-escape vector a safe-unzip
// routine must close off.
func validateEntryName(name string) error {
	if name == "" {
		return coordinatorerrors.New("UNZIP_INVALID_ENTRY_NAME", "archive entry has an empty name", 400)
	}
	if strings.Contains(name, "\\") {
		return coordinatorerrors.New("UNZIP_INVALID_ENTRY_NAME", "archive entry name contains a backslash", 400).WithDetails("name", name)
	}
	if path.IsAbs(name) || strings.HasPrefix(name, "/") {
		return coordinatorerrors.New("UNZIP_INVALID_ENTRY_NAME", "archive entry name is an absolute path", 400).WithDetails("name", name)
	}
	if len(name) >= 2 && name[1] == ':' {
		return coordinatorerrors.New("UNZIP_INVALID_ENTRY_NAME", "archive entry name contains a drive letter", 400).WithDetails("name", name)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return coordinatorerrors.New("UNZIP_ZIP_SLIP_REJECTED", "archive entry escapes the extraction root", 400).WithDetails("name", name)
	}
	return nil
}
