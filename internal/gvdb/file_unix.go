//go:build !windows

package gvdb

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mappedFile owns an mmap'd region and its backing descriptor.
type mappedFile struct {
	f    *os.File
	data []byte
}

func (m *mappedFile) Close() error {
	var errs []error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			errs = append(errs, err)
		}
	}
	if m.f != nil {
		if err := m.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("gvdb: close: %v", errs)
	}
	return nil
}

// mmapFile maps path read-only into memory. The returned bytes remain valid
// until the returned closer's Close is called.
func mmapFile(path string) ([]byte, *mappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if st.Size() == 0 {
		f.Close()
		return nil, nil, fmt.Errorf("gvdb: %s is empty", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("gvdb: mmap %s: %w", path, err)
	}
	return data, &mappedFile{f: f, data: data}, nil
}
