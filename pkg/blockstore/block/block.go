// Package block defines the binary-stable block/chunk data model: the
// 64-bit content hashes, the BlockIndex header, the owned StoredBlock
// value, and their symmetric write/read codec.
package block

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// BlockHash identifies a packed block's payload, computed by the producer
// over the block's contents. It doubles as the on-disk filename stem.
type BlockHash uint64

// ChunkHash identifies a single content chunk.
type ChunkHash uint64

// HashIdentifier tags the hash family an index or block was produced
// under. Two indexes are only mergeable when their identifiers match.
type HashIdentifier uint32

const magic uint32 = 0x4c42_4c4b // "LBLK"

// BlockIndex is the header for one packed block: its hash, the hash
// family it was produced under, a caller-defined tag (compression/type
// hint), and the parallel chunk-hash/chunk-size arrays.
//
// Invariant: sum(ChunkSizes) == len(payload) for the block this index
// describes.
type BlockIndex struct {
	BlockHash      BlockHash
	HashIdentifier HashIdentifier
	Tag            uint32
	ChunkHashes    []ChunkHash
	ChunkSizes     []uint32
}

// ChunkCount returns the number of chunks packed into this block.
func (bi *BlockIndex) ChunkCount() int { return len(bi.ChunkHashes) }

// PayloadSize returns the sum of ChunkSizes, i.e. the expected length of
// the block's raw data.
func (bi *BlockIndex) PayloadSize() uint64 {
	var total uint64
	for _, sz := range bi.ChunkSizes {
		total += uint64(sz)
	}
	return total
}

// Validate checks the header's internal consistency and, if payloadSize is
// non-negative, that PayloadSize matches it.
func (bi *BlockIndex) Validate(payloadSize int64) error {
	if len(bi.ChunkHashes) != len(bi.ChunkSizes) {
		return fmt.Errorf("block %#x: chunk_hashes/chunk_sizes length mismatch (%d vs %d)",
			bi.BlockHash, len(bi.ChunkHashes), len(bi.ChunkSizes))
	}
	if payloadSize >= 0 && bi.PayloadSize() != uint64(payloadSize) {
		return fmt.Errorf("block %#x: payload size mismatch: header says %d, got %d",
			bi.BlockHash, bi.PayloadSize(), payloadSize)
	}
	return nil
}

// Clone returns an independent deep copy of bi.
func (bi *BlockIndex) Clone() *BlockIndex {
	out := &BlockIndex{
		BlockHash:      bi.BlockHash,
		HashIdentifier: bi.HashIdentifier,
		Tag:            bi.Tag,
	}
	out.ChunkHashes = append(out.ChunkHashes, bi.ChunkHashes...)
	out.ChunkSizes = append(out.ChunkSizes, bi.ChunkSizes...)
	return out
}

// WriteTo serializes the header in the declared field order: fixed scalars
// first, then the parallel arrays. It implements io.WriterTo.
func (bi *BlockIndex) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var written int64

	scratch := make([]byte, 4)
	writeU32 := func(v uint32) error {
		binary.LittleEndian.PutUint32(scratch, v)
		n, err := bw.Write(scratch)
		written += int64(n)
		return err
	}
	scratch8 := make([]byte, 8)
	writeU64 := func(v uint64) error {
		binary.LittleEndian.PutUint64(scratch8, v)
		n, err := bw.Write(scratch8)
		written += int64(n)
		return err
	}

	if err := writeU32(magic); err != nil {
		return written, err
	}
	if err := writeU64(uint64(bi.BlockHash)); err != nil {
		return written, err
	}
	if err := writeU32(uint32(bi.HashIdentifier)); err != nil {
		return written, err
	}
	if err := writeU32(bi.Tag); err != nil {
		return written, err
	}
	if err := writeU32(uint32(len(bi.ChunkHashes))); err != nil {
		return written, err
	}
	for _, ch := range bi.ChunkHashes {
		if err := writeU64(uint64(ch)); err != nil {
			return written, err
		}
	}
	for _, sz := range bi.ChunkSizes {
		if err := writeU32(sz); err != nil {
			return written, err
		}
	}
	if err := bw.Flush(); err != nil {
		return written, err
	}
	return written, nil
}

// ReadBlockIndexFrom parses a BlockIndex previously produced by WriteTo.
// All counts are validated before any array access; truncated or malformed
// input returns an error rather than panicking.
func ReadBlockIndexFrom(r io.Reader) (*BlockIndex, error) {
	br := bufio.NewReader(r)

	readU32 := func() (uint32, error) {
		var b [4]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(b[:]), nil
	}
	readU64 := func() (uint64, error) {
		var b [8]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	}

	got, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("read block index magic: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("read block index: bad magic %#x", got)
	}

	hash, err := readU64()
	if err != nil {
		return nil, fmt.Errorf("read block hash: %w", err)
	}
	hashID, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("read hash identifier: %w", err)
	}
	tag, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("read tag: %w", err)
	}
	count, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("read chunk count: %w", err)
	}
	// Defend against a corrupt/huge count causing an oversized allocation.
	const maxReasonableChunks = 1 << 24
	if count > maxReasonableChunks {
		return nil, fmt.Errorf("read block index: chunk count %d exceeds sanity limit", count)
	}

	bi := &BlockIndex{
		BlockHash:      BlockHash(hash),
		HashIdentifier: HashIdentifier(hashID),
		Tag:            tag,
		ChunkHashes:    make([]ChunkHash, count),
		ChunkSizes:     make([]uint32, count),
	}
	for i := range bi.ChunkHashes {
		v, err := readU64()
		if err != nil {
			return nil, fmt.Errorf("read chunk hash %d: %w", i, err)
		}
		bi.ChunkHashes[i] = ChunkHash(v)
	}
	for i := range bi.ChunkSizes {
		v, err := readU32()
		if err != nil {
			return nil, fmt.Errorf("read chunk size %d: %w", i, err)
		}
		bi.ChunkSizes[i] = v
	}
	return bi, nil
}
