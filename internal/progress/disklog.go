package progress

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ArchiveSuffix names the compressed copy of the head dropped by rotation.
const ArchiveSuffix = ".1.zst"

// diskLog appends batches of lines and keeps the file bounded.
type diskLog struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
}

func (d *diskLog) appendLocked(lines []string) error {
	f, err := os.OpenFile(d.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}

	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("append progress log: %w", err)
	}
	return f.Close()
}

// rotateLocked truncates the log to its trailing maxBytes, starting at a line
// boundary, once it has grown past twice that size. The dropped head is
// archived zstd-compressed next to the log. The tail is swapped in via
// temp file and rename.
func (d *diskLog) rotateLocked() error {
	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("stat progress log: %w", err)
	}
	if info.Size() <= 2*d.maxBytes {
		return nil
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read progress log: %w", err)
	}

	cut := int64(len(data)) - d.maxBytes
	if nl := bytes.IndexByte(data[cut:], '\n'); nl >= 0 {
		cut += int64(nl) + 1
	}
	head, tail := data[:cut], data[cut:]

	if err := writeArchive(d.path+ArchiveSuffix, head); err != nil {
		return err
	}
	if err := replaceFile(d.path, tail); err != nil {
		return fmt.Errorf("rotate progress log: %w", err)
	}
	return nil
}

func writeArchive(path string, data []byte) error {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return fmt.Errorf("compress log archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("compress log archive: %w", err)
	}
	if err := replaceFile(path, buf.Bytes()); err != nil {
		return fmt.Errorf("write log archive: %w", err)
	}
	return nil
}

func replaceFile(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadArchive decompresses a rotation archive.
func ReadArchive(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open zstd archive: %w", err)
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
