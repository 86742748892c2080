package gvdb

import "fmt"

// OpenFile mmaps path and decodes it as a GVDB table. The returned close
// function releases the mapping and the file descriptor together; the Table
// reads straight from that mapping, so it must not be used once close has
// been called.
func OpenFile(path string) (*Table, func() error, error) {
	data, mapped, err := mmapFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("gvdb: open %s: %w", path, err)
	}
	tbl, err := Open(data)
	if err != nil {
		mapped.Close()
		return nil, nil, err
	}
	return tbl, mapped.Close, nil
}
