package block

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/tvandijck/longtail/pkg/bufpool"
)

// StoredBlock is a BlockIndex plus its raw payload bytes and an owned
// dispose action. It is owned by its originator; once handed to a
// completion, ownership transfers to the callee, which must call Dispose
// exactly once.
type StoredBlock struct {
	Index *BlockIndex
	Data  []byte

	// Dispose releases any resources backing this block. It may be nil for
	// values that own nothing beyond their Go heap allocations.
	Dispose func()
}

// NewStoredBlock builds a StoredBlock with a no-op Dispose.
func NewStoredBlock(index *BlockIndex, data []byte) *StoredBlock {
	return &StoredBlock{Index: index, Data: data, Dispose: func() {}}
}

// Release calls Dispose if set; safe to call on a nil Dispose.
func (sb *StoredBlock) Release() {
	if sb != nil && sb.Dispose != nil {
		sb.Dispose()
	}
}

// Clone returns an independent deep copy of sb with a no-op Dispose, so
// the holder of the copy is immune to later mutation of the caller's
// block. (FSBlockStore's pending-added list holds BlockIndex.Clone
// values, not stored-block copies.)
func (sb *StoredBlock) Clone() *StoredBlock {
	data := make([]byte, len(sb.Data))
	copy(data, sb.Data)
	return &StoredBlock{
		Index:   sb.Index.Clone(),
		Data:    data,
		Dispose: func() {},
	}
}

// WriteTo serializes the block file form: the BlockIndex header
// immediately followed by the raw chunk bytes.
func (sb *StoredBlock) WriteTo(w io.Writer) (int64, error) {
	n, err := sb.Index.WriteTo(w)
	if err != nil {
		return n, err
	}
	m, err := w.Write(sb.Data)
	return n + int64(m), err
}

// ReadStoredBlockFrom parses a block file previously produced by WriteTo.
// The payload is read into a pooled buffer sized from the header's declared
// PayloadSize, returned to bufpool once the caller releases the block.
func ReadStoredBlockFrom(r io.Reader) (*StoredBlock, error) {
	// ReadBlockIndexFrom reads through a bufio.Reader; sharing one here keeps
	// the payload bytes it buffers ahead available for the reads below.
	br := bufio.NewReader(r)
	index, err := ReadBlockIndexFrom(br)
	if err != nil {
		return nil, err
	}

	size := index.PayloadSize()
	data := bufpool.GetUint32(uint32(size))
	n, err := io.ReadFull(br, data)
	if err != nil && err != io.ErrUnexpectedEOF {
		bufpool.Put(data)
		return nil, fmt.Errorf("read block payload: %w", err)
	}
	data = data[:n]

	var extra [1]byte
	if m, _ := br.Read(extra[:]); m > 0 {
		bufpool.Put(data)
		return nil, fmt.Errorf("block %#x: payload longer than declared size %d", index.BlockHash, size)
	}

	if err := index.Validate(int64(len(data))); err != nil {
		bufpool.Put(data)
		return nil, err
	}
	return &StoredBlock{Index: index, Data: data, Dispose: func() { bufpool.Put(data) }}, nil
}

// Bytes serializes sb into a freshly allocated buffer.
func (sb *StoredBlock) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := sb.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal reports whether two stored blocks serialize identically.
func (sb *StoredBlock) Equal(other *StoredBlock) bool {
	a, err := sb.Bytes()
	if err != nil {
		return false
	}
	b, err := other.Bytes()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}
