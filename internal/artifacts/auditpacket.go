package artifacts

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"io"
	"sort"
	"time"

	"github.com/nooterra/settld/internal/canon"
)

// packetMtime is the fixed modification time stamped on every zip entry so
// two builds of the same logical packet produce byte-identical archives
// (spec §4.8: "fixed mtime").
var packetMtime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// PacketEntry is one file to include in an audit packet.
type PacketEntry struct {
	Name string
	Data []byte
}

// BuildAuditPacket assembles entries into a deterministic zip archive:
// entries sorted by name, fixed mtime, gzip-equivalent deflate at best
// compression, and a SHA256SUMS manifest at the archive root listing every
// entry's hex digest (spec §4.8).
func BuildAuditPacket(entries []PacketEntry) ([]byte, error) {
	sorted := make([]PacketEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	// gzip level 9 equivalent: deflate at best compression (spec §4.8).
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	sums := make([]byte, 0, 64*len(sorted))
	for _, e := range sorted {
		if err := writeDeterministicEntry(zw, e.Name, e.Data); err != nil {
			return nil, err
		}
		sums = append(sums, []byte(canon.SHA256Hex(e.Data)+"  "+e.Name+"\n")...)
	}
	if err := writeDeterministicEntry(zw, "SHA256SUMS", sums); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeDeterministicEntry(zw *zip.Writer, name string, data []byte) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: packetMtime,
	}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
