package LogServer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
)

// batchFile collects the chunks of one batch. With saving disabled it only counts.
type batchFile struct {
	id    uint32
	name  string
	file  *os.File
	w     *bufio.Writer
	bytes uint64
}

func batchFileName(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%08X.RAW", id))
}

func openBatchFile(dir string, id uint32, save bool) (*batchFile, error) {
	b := &batchFile{id: id, name: batchFileName(dir, id)}
	if !save {
		return b, nil
	}
	f, err := os.Create(b.name)
	if err != nil {
		return nil, fmt.Errorf("create batch file: %w", err)
	}
	b.file = f
	b.w = bufio.NewWriter(f)
	return b, nil
}

func (b *batchFile) write(chunk []byte) error {
	b.bytes += uint64(len(chunk))
	if b.w == nil {
		return nil
	}
	_, err := b.w.Write(chunk)
	return err
}

func (b *batchFile) flush() error {
	if b.w == nil {
		return nil
	}
	return b.w.Flush()
}

func (b *batchFile) close() error {
	if b.file == nil {
		return nil
	}
	err := multierr.Combine(b.w.Flush(), b.file.Close())
	b.file, b.w = nil, nil
	return err
}
