//go:build unix

package safetensors

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

type mappedPayload struct {
	data []byte
}

// openPayload maps the whole file read-only. The descriptor is closed once the
// mapping exists; the mapping stays valid until Close.
func openPayload(f *os.File, size int64) (payload, error) {
	if size == 0 {
		return filePayload{f}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		// Fallback path that does not require mmap support.
		return filePayload{f}, nil
	}
	_ = f.Close()
	return &mappedPayload{data: data}, nil
}

func (m *mappedPayload) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *mappedPayload) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

type filePayload struct {
	*os.File
}
