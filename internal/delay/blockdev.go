package delay

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnaligned means an offset or length is not a multiple of SectorSize.
var ErrUnaligned = errors.New("unaligned block I/O")

// BlockDevice exposes a target as a synchronous sector-addressed device.
//
// Each call builds one request, maps it through the target and waits for
// the sink to complete it, so every call observes the configured delay.
type BlockDevice struct {
	t *Target
}

var (
	_ io.ReaderAt = (*BlockDevice)(nil)
	_ io.WriterAt = (*BlockDevice)(nil)
)

// NewBlockDevice wraps t.
func NewBlockDevice(t *Target) *BlockDevice {
	return &BlockDevice{t: t}
}

// Size returns the mapped size in bytes.
func (b *BlockDevice) Size() int64 {
	return int64(b.t.length) * SectorSize
}

// ReadAt reads len(p) bytes at byte offset off.
func (b *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := b.check(p, off); err != nil {
		return 0, err
	}

	n := len(p)
	if rem := b.Size() - off; int64(n) > rem {
		n = int(rem)
	}
	if n <= 0 {
		return 0, io.EOF
	}

	if err := b.do(OpRead, uint64(off)/SectorSize, p[:n]); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes len(p) bytes at byte offset off. Writing past the end of
// the mapping fails without issuing any I/O.
func (b *BlockDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := b.check(p, off); err != nil {
		return 0, err
	}
	if off+int64(len(p)) > b.Size() {
		return 0, fmt.Errorf("write %d bytes at %d: beyond end of device (%d bytes)",
			len(p), off, b.Size())
	}

	if err := b.do(OpWrite, uint64(off)/SectorSize, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush issues a zero-length write through the write path.
func (b *BlockDevice) Flush() error {
	return b.do(OpWrite, 0, nil)
}

func (b *BlockDevice) check(p []byte, off int64) error {
	if off < 0 || off%SectorSize != 0 || len(p)%SectorSize != 0 {
		return fmt.Errorf("%w: offset %d length %d", ErrUnaligned, off, len(p))
	}
	return nil
}

func (b *BlockDevice) do(op Op, sector uint64, data []byte) error {
	done := make(chan error, 1)
	req := NewRequest(op, sector, data, func(_ *Request, err error) {
		done <- err
	})
	b.t.Map(req)
	return <-done
}
