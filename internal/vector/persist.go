package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/hyperjump/kensaku/internal/models"
	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

const (
	fileMagic     = "KNSKVIDX"
	formatVersion = uint32(1)
	maxStringLen  = 1 << 20
)

// writeIndexFile persists entries to path. The file is written to a temporary sibling and
// renamed into place so a crash never leaves a truncated index behind.
//
// Format (little-endian): magic (8), format version (4), model version (len-prefixed string),
// dimensions (4), count (4), then per entry: key, embedding id, file path, kind (len-prefixed
// strings), start line (4), last seen version (8), vector (dimensions*4 bytes).
func writeIndexFile(path, modelVersion string, dimensions int, entries []models.IndexEntry) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := encodeEntries(w, modelVersion, dimensions, entries); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush index file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename index file: %w", err)
	}
	return nil
}

func encodeEntries(w io.Writer, modelVersion string, dimensions int, entries []models.IndexEntry) error {
	if _, err := io.WriteString(w, fileMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, formatVersion); err != nil {
		return fmt.Errorf("write format version: %w", err)
	}
	if err := writeString(w, modelVersion); err != nil {
		return fmt.Errorf("write model version: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entries))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for _, e := range entries {
		for _, s := range []string{e.Key, e.EmbeddingID, e.FilePath, string(e.Kind)} {
			if err := writeString(w, s); err != nil {
				return fmt.Errorf("write entry %s: %w", e.Key, err)
			}
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(e.StartLine)); err != nil {
			return fmt.Errorf("write start line: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, e.LastSeenVersion); err != nil {
			return fmt.Errorf("write version: %w", err)
		}
		if _, err := w.Write(float32SliceToBytes(e.Vector)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

// readIndexFile loads entries from path. found is false when the file does not exist.
// A file written under another model version fails with a model version mismatch.
func readIndexFile(path, modelVersion string, dimensions int) (entries []models.IndexEntry, found bool, err error) {
	if path == "" {
		return nil, false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	entries, err = decodeEntries(bufio.NewReader(f), modelVersion, dimensions)
	if err != nil {
		return nil, true, err
	}
	return entries, true, nil
}

func decodeEntries(r io.Reader, modelVersion string, dimensions int) ([]models.IndexEntry, error) {
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != fileMagic {
		return nil, kerr.New(kerr.CodeIndexFormatInvalid, "not a vector index file")
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, formatErr("read format version", err)
	}
	if version != formatVersion {
		return nil, kerr.New(kerr.CodeIndexFormatInvalid, "unsupported index format version", kerr.Field("format_version", version))
	}
	fileModel, err := readString(r)
	if err != nil {
		return nil, formatErr("read model version", err)
	}
	if modelVersion != "" && fileModel != modelVersion {
		return nil, kerr.New(kerr.CodeModelVersionMismatch, "index was built with another model version",
			kerr.FieldModelVersion(modelVersion), kerr.Field("file_model_version", fileModel))
	}
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, formatErr("read dimensions", err)
	}
	if int(dim) != dimensions {
		return nil, kerr.New(kerr.CodeIndexFormatInvalid,
			fmt.Sprintf("dimension mismatch: file has %d, index expects %d", dim, dimensions))
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, formatErr("read count", err)
	}

	entries := make([]models.IndexEntry, 0, min(int(n), 1<<16))
	buf := make([]byte, dimensions*4)
	for i := uint32(0); i < n; i++ {
		var fields [4]string
		for j := range fields {
			s, err := readString(r)
			if err != nil {
				return nil, formatErr("read entry", err)
			}
			fields[j] = s
		}
		var startLine uint32
		var lastSeen uint64
		if err := binary.Read(r, binary.LittleEndian, &startLine); err != nil {
			return nil, formatErr("read start line", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &lastSeen); err != nil {
			return nil, formatErr("read version", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, formatErr("read vector", err)
		}
		entries = append(entries, models.IndexEntry{
			Key:             fields[0],
			EmbeddingID:     fields[1],
			FilePath:        fields[2],
			Kind:            models.SpanKind(fields[3]),
			StartLine:       int(startLine),
			LastSeenVersion: lastSeen,
			Vector:          bytesToFloat32Slice(buf),
		})
	}
	return entries, nil
}

func formatErr(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return kerr.Wrap(err, kerr.CodeIndexFormatInvalid, op+": truncated index file")
	}
	return kerr.Wrap(err, kerr.CodeIndexFormatInvalid, op)
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
