//go:build windows

package gvdb

import "os"

// mappedFile is a no-op closer on platforms without the unix mmap syscall;
// the file's contents are read fully into memory instead.
type mappedFile struct{}

func (m *mappedFile) Close() error { return nil }

func mmapFile(path string) ([]byte, *mappedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, &mappedFile{}, nil
}
