// Package content implements the ContentIndex manifest and its pure,
// allocation-only algebra: Add, Merge, Retarget, GetMissing,
// CreateFromBlocks, and validation.
package content

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tvandijck/longtail/pkg/blockstore/block"
)

const magic uint32 = 0x4c43_4958 // "LCIX"

// Index is a manifest describing which chunks live in which blocks: the
// block list of a store (or a view thereof), the chunk list it covers,
// and the chunk→block mapping.
//
// Invariants: ChunkBlockIndexes[i] < len(BlockHashes) for all i; each
// ChunkHash appears at most once; any algebra mixing two indexes with
// different HashIdentifier fails.
type Index struct {
	HashIdentifier    block.HashIdentifier
	MaxBlockSize      uint32
	MaxChunksPerBlock uint32

	BlockHashes       []block.BlockHash
	ChunkHashes       []block.ChunkHash
	ChunkBlockIndexes []uint32
}

// BlockCount returns the number of blocks described by this index.
func (ci *Index) BlockCount() int { return len(ci.BlockHashes) }

// ChunkCount returns the number of chunks described by this index.
func (ci *Index) ChunkCount() int { return len(ci.ChunkHashes) }

// Empty builds a well-formed, empty index under the given hash family.
func Empty(hashID block.HashIdentifier, maxBlockSize, maxChunksPerBlock uint32) *Index {
	return &Index{
		HashIdentifier:    hashID,
		MaxBlockSize:      maxBlockSize,
		MaxChunksPerBlock: maxChunksPerBlock,
	}
}

// blockOf returns, for each chunk hash in ci, the index of the block that
// holds it.
func (ci *Index) blockOf() map[block.ChunkHash]uint32 {
	m := make(map[block.ChunkHash]uint32, len(ci.ChunkHashes))
	for i, ch := range ci.ChunkHashes {
		m[ch] = ci.ChunkBlockIndexes[i]
	}
	return m
}

// Validate checks the structural invariants of ci: block-index bounds and
// chunk-hash uniqueness.
func (ci *Index) Validate() error {
	if len(ci.ChunkHashes) != len(ci.ChunkBlockIndexes) {
		return fmt.Errorf("content index: chunk_hashes/chunk_block_indexes length mismatch (%d vs %d)",
			len(ci.ChunkHashes), len(ci.ChunkBlockIndexes))
	}
	seen := make(map[block.ChunkHash]struct{}, len(ci.ChunkHashes))
	for i, bi := range ci.ChunkBlockIndexes {
		if int(bi) >= len(ci.BlockHashes) {
			return fmt.Errorf("content index: chunk %d references out-of-range block %d (have %d blocks)",
				i, bi, len(ci.BlockHashes))
		}
		ch := ci.ChunkHashes[i]
		if _, dup := seen[ch]; dup {
			return fmt.Errorf("content index: duplicate chunk hash %#x", ch)
		}
		seen[ch] = struct{}{}
	}
	return nil
}

// checkCompatible fails when a and b carry conflicting hash identifiers;
// an empty index (no blocks, no chunks) is treated as compatible with
// anything whatever its identifier (it contributes nothing to the
// mismatch question).
func checkCompatible(a, b *Index) error {
	if a.ChunkCount() == 0 && a.BlockCount() == 0 {
		return nil
	}
	if b.ChunkCount() == 0 && b.BlockCount() == 0 {
		return nil
	}
	if a.HashIdentifier != b.HashIdentifier {
		return fmt.Errorf("content index: hash identifier mismatch: %d vs %d", a.HashIdentifier, b.HashIdentifier)
	}
	return nil
}

// CreateFromBlocks derives a fresh content index from a list of block
// indexes, walking each block's chunk list to build the chunk→block
// mapping. An empty input list yields a well-formed empty index.
func CreateFromBlocks(hashID block.HashIdentifier, maxBlockSize, maxChunksPerBlock uint32, blocks []*block.BlockIndex) (*Index, error) {
	ci := Empty(hashID, maxBlockSize, maxChunksPerBlock)
	ci.BlockHashes = make([]block.BlockHash, 0, len(blocks))
	for bi, b := range blocks {
		if b.HashIdentifier != hashID {
			return nil, fmt.Errorf("content index: block %#x has hash identifier %d, expected %d",
				b.BlockHash, b.HashIdentifier, hashID)
		}
		ci.BlockHashes = append(ci.BlockHashes, b.BlockHash)
		for _, ch := range b.ChunkHashes {
			ci.ChunkHashes = append(ci.ChunkHashes, ch)
			ci.ChunkBlockIndexes = append(ci.ChunkBlockIndexes, uint32(bi))
		}
	}
	return ci, nil
}

// Add concatenates A and B: the resulting block list is A.blocks++B.blocks,
// the chunk list is A.chunks++B.chunks, and B's chunk→block indexes are
// shifted by A's block count. No deduplication is performed. Fails if both
// inputs are non-empty and carry mismatched hash identifiers.
func Add(a, b *Index) (*Index, error) {
	if err := checkCompatible(a, b); err != nil {
		return nil, err
	}
	hashID := a.HashIdentifier
	if a.BlockCount() == 0 && a.ChunkCount() == 0 {
		hashID = b.HashIdentifier
	}
	out := &Index{
		HashIdentifier:    hashID,
		MaxBlockSize:      a.MaxBlockSize,
		MaxChunksPerBlock: a.MaxChunksPerBlock,
	}
	if out.MaxBlockSize == 0 {
		out.MaxBlockSize = b.MaxBlockSize
	}
	if out.MaxChunksPerBlock == 0 {
		out.MaxChunksPerBlock = b.MaxChunksPerBlock
	}

	out.BlockHashes = append(out.BlockHashes, a.BlockHashes...)
	out.BlockHashes = append(out.BlockHashes, b.BlockHashes...)

	out.ChunkHashes = append(out.ChunkHashes, a.ChunkHashes...)
	out.ChunkHashes = append(out.ChunkHashes, b.ChunkHashes...)

	out.ChunkBlockIndexes = append(out.ChunkBlockIndexes, a.ChunkBlockIndexes...)
	shift := uint32(a.BlockCount())
	for _, bi := range b.ChunkBlockIndexes {
		out.ChunkBlockIndexes = append(out.ChunkBlockIndexes, bi+shift)
	}
	return out, nil
}

// Merge computes the deduplicating union of aLocal and bNew. aLocal wins:
// any chunk already present in aLocal keeps its block assignment. Only
// blocks from bNew that contain at least one chunk unique to bNew are
// copied over, and they are copied whole (so some redundancy is
// acceptable).
func Merge(aLocal, bNew *Index) (*Index, error) {
	if err := checkCompatible(aLocal, bNew); err != nil {
		return nil, err
	}
	localChunks := make(map[block.ChunkHash]struct{}, aLocal.ChunkCount())
	for _, ch := range aLocal.ChunkHashes {
		localChunks[ch] = struct{}{}
	}

	// Which of bNew's blocks contribute a chunk aLocal doesn't have?
	neededBlocks := make(map[uint32]struct{})
	for i, ch := range bNew.ChunkHashes {
		if _, inLocal := localChunks[ch]; !inLocal {
			neededBlocks[bNew.ChunkBlockIndexes[i]] = struct{}{}
		}
	}

	hashID := aLocal.HashIdentifier
	if aLocal.BlockCount() == 0 && aLocal.ChunkCount() == 0 {
		hashID = bNew.HashIdentifier
	}
	out := &Index{
		HashIdentifier:    hashID,
		MaxBlockSize:      aLocal.MaxBlockSize,
		MaxChunksPerBlock: aLocal.MaxChunksPerBlock,
	}
	if out.MaxBlockSize == 0 {
		out.MaxBlockSize = bNew.MaxBlockSize
	}
	if out.MaxChunksPerBlock == 0 {
		out.MaxChunksPerBlock = bNew.MaxChunksPerBlock
	}

	out.BlockHashes = append(out.BlockHashes, aLocal.BlockHashes...)
	remap := make(map[uint32]uint32, len(neededBlocks))
	for bi := range bNew.BlockHashes {
		if _, needed := neededBlocks[uint32(bi)]; needed {
			remap[uint32(bi)] = uint32(len(out.BlockHashes))
			out.BlockHashes = append(out.BlockHashes, bNew.BlockHashes[bi])
		}
	}

	out.ChunkHashes = append(out.ChunkHashes, aLocal.ChunkHashes...)
	out.ChunkBlockIndexes = append(out.ChunkBlockIndexes, aLocal.ChunkBlockIndexes...)

	seen := make(map[block.ChunkHash]struct{}, len(localChunks))
	for ch := range localChunks {
		seen[ch] = struct{}{}
	}
	for i, ch := range bNew.ChunkHashes {
		origBlock := bNew.ChunkBlockIndexes[i]
		if _, included := neededBlocks[origBlock]; !included {
			continue
		}
		if _, already := seen[ch]; already {
			continue
		}
		seen[ch] = struct{}{}
		out.ChunkHashes = append(out.ChunkHashes, ch)
		out.ChunkBlockIndexes = append(out.ChunkBlockIndexes, remap[origBlock])
	}
	return out, nil
}

// GetMissing returns the sub-index of requested containing only the
// blocks whose chunk set is not fully covered by reference. Blocks are
// included whole.
func GetMissing(hashID block.HashIdentifier, reference, requested *Index) (*Index, error) {
	if err := checkCompatible(reference, requested); err != nil {
		return nil, err
	}
	refChunks := make(map[block.ChunkHash]struct{}, reference.ChunkCount())
	for _, ch := range reference.ChunkHashes {
		refChunks[ch] = struct{}{}
	}

	fullyCovered := make(map[uint32]bool)
	for i, ch := range requested.ChunkHashes {
		bi := requested.ChunkBlockIndexes[i]
		if _, ok := fullyCovered[bi]; !ok {
			fullyCovered[bi] = true
		}
		if _, have := refChunks[ch]; !have {
			fullyCovered[bi] = false
		}
	}

	out := Empty(hashID, requested.MaxBlockSize, requested.MaxChunksPerBlock)
	remap := make(map[uint32]uint32)
	for bi, covered := range fullyCovered {
		if covered {
			continue
		}
		remap[bi] = uint32(len(out.BlockHashes))
		out.BlockHashes = append(out.BlockHashes, requested.BlockHashes[bi])
	}
	for i, ch := range requested.ChunkHashes {
		bi := requested.ChunkBlockIndexes[i]
		newBi, missing := remap[bi]
		if !missing {
			continue
		}
		out.ChunkHashes = append(out.ChunkHashes, ch)
		out.ChunkBlockIndexes = append(out.ChunkBlockIndexes, newBi)
	}
	return out, nil
}

// Retarget returns the blocks from reference that cover at least one chunk
// of requested, restricted to reference's own block layout. Chunks in
// requested that don't appear in reference are omitted; callers typically
// compose Retarget with GetMissing to discover those.
func Retarget(reference, requested *Index) (*Index, error) {
	if err := checkCompatible(reference, requested); err != nil {
		return nil, err
	}
	requestedChunks := make(map[block.ChunkHash]struct{}, requested.ChunkCount())
	for _, ch := range requested.ChunkHashes {
		requestedChunks[ch] = struct{}{}
	}

	wantedBlocks := make(map[uint32]struct{})
	for i, ch := range reference.ChunkHashes {
		if _, wanted := requestedChunks[ch]; wanted {
			wantedBlocks[reference.ChunkBlockIndexes[i]] = struct{}{}
		}
	}

	out := Empty(reference.HashIdentifier, reference.MaxBlockSize, reference.MaxChunksPerBlock)
	remap := make(map[uint32]uint32, len(wantedBlocks))
	for bi := range reference.BlockHashes {
		if _, wanted := wantedBlocks[uint32(bi)]; wanted {
			remap[uint32(bi)] = uint32(len(out.BlockHashes))
			out.BlockHashes = append(out.BlockHashes, reference.BlockHashes[bi])
		}
	}
	for i, ch := range reference.ChunkHashes {
		origBlock := reference.ChunkBlockIndexes[i]
		newBi, included := remap[origBlock]
		if !included {
			continue
		}
		out.ChunkHashes = append(out.ChunkHashes, ch)
		out.ChunkBlockIndexes = append(out.ChunkBlockIndexes, newBi)
	}
	return out, nil
}

// ValidateContent checks that every chunk hash required is reachable in
// ci. It checks presence only; chunk sizes are not examined.
func ValidateContent(ci *Index, required []block.ChunkHash) error {
	have := make(map[block.ChunkHash]struct{}, ci.ChunkCount())
	for _, ch := range ci.ChunkHashes {
		have[ch] = struct{}{}
	}
	for _, ch := range required {
		if _, ok := have[ch]; !ok {
			return fmt.Errorf("content index: required chunk %#x not present", ch)
		}
	}
	return nil
}

// ValidateVersion checks that required's chunk hashes are all reachable in
// ci and that the total of sizes (chunk hash → byte size) equals
// expectedTotalSize.
func ValidateVersion(ci *Index, required []block.ChunkHash, sizes map[block.ChunkHash]uint64, expectedTotalSize uint64) error {
	if err := ValidateContent(ci, required); err != nil {
		return err
	}
	var total uint64
	for _, ch := range required {
		total += sizes[ch]
	}
	if total != expectedTotalSize {
		return fmt.Errorf("content index: reconstructed size %d does not match expected %d", total, expectedTotalSize)
	}
	return nil
}

// WriteTo serializes ci as a single buffer: fixed header followed by the
// three parallel arrays in declaration order.
func (ci *Index) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var written int64

	b4 := make([]byte, 4)
	writeU32 := func(v uint32) error {
		binary.LittleEndian.PutUint32(b4, v)
		n, err := bw.Write(b4)
		written += int64(n)
		return err
	}
	b8 := make([]byte, 8)
	writeU64 := func(v uint64) error {
		binary.LittleEndian.PutUint64(b8, v)
		n, err := bw.Write(b8)
		written += int64(n)
		return err
	}

	if err := writeU32(magic); err != nil {
		return written, err
	}
	if err := writeU32(uint32(ci.HashIdentifier)); err != nil {
		return written, err
	}
	if err := writeU32(ci.MaxBlockSize); err != nil {
		return written, err
	}
	if err := writeU32(ci.MaxChunksPerBlock); err != nil {
		return written, err
	}
	if err := writeU32(uint32(len(ci.BlockHashes))); err != nil {
		return written, err
	}
	if err := writeU32(uint32(len(ci.ChunkHashes))); err != nil {
		return written, err
	}
	for _, bh := range ci.BlockHashes {
		if err := writeU64(uint64(bh)); err != nil {
			return written, err
		}
	}
	for _, ch := range ci.ChunkHashes {
		if err := writeU64(uint64(ch)); err != nil {
			return written, err
		}
	}
	for _, cb := range ci.ChunkBlockIndexes {
		if err := writeU32(cb); err != nil {
			return written, err
		}
	}
	if err := bw.Flush(); err != nil {
		return written, err
	}
	return written, nil
}

// ReadFrom parses a content index previously produced by WriteTo. All
// counts are validated before any array access.
func ReadFrom(r io.Reader) (*Index, error) {
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
		return nil, fmt.Errorf("read content index magic: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("read content index: bad magic %#x", got)
	}
	hashID, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("read hash identifier: %w", err)
	}
	maxBlockSize, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("read max block size: %w", err)
	}
	maxChunksPerBlock, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("read max chunks per block: %w", err)
	}
	blockCount, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("read block count: %w", err)
	}
	chunkCount, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("read chunk count: %w", err)
	}
	const maxReasonable = 1 << 28
	if blockCount > maxReasonable || chunkCount > maxReasonable {
		return nil, fmt.Errorf("read content index: count exceeds sanity limit (blocks=%d chunks=%d)", blockCount, chunkCount)
	}

	ci := &Index{
		HashIdentifier:    block.HashIdentifier(hashID),
		MaxBlockSize:      maxBlockSize,
		MaxChunksPerBlock: maxChunksPerBlock,
		BlockHashes:       make([]block.BlockHash, blockCount),
		ChunkHashes:       make([]block.ChunkHash, chunkCount),
		ChunkBlockIndexes: make([]uint32, chunkCount),
	}
	for i := range ci.BlockHashes {
		v, err := readU64()
		if err != nil {
			return nil, fmt.Errorf("read block hash %d: %w", i, err)
		}
		ci.BlockHashes[i] = block.BlockHash(v)
	}
	for i := range ci.ChunkHashes {
		v, err := readU64()
		if err != nil {
			return nil, fmt.Errorf("read chunk hash %d: %w", i, err)
		}
		ci.ChunkHashes[i] = block.ChunkHash(v)
	}
	for i := range ci.ChunkBlockIndexes {
		v, err := readU32()
		if err != nil {
			return nil, fmt.Errorf("read chunk block index %d: %w", i, err)
		}
		if int(v) >= len(ci.BlockHashes) {
			return nil, fmt.Errorf("read content index: chunk %d references out-of-range block %d", i, v)
		}
		ci.ChunkBlockIndexes[i] = v
	}
	return ci, nil
}

// RoundTrip returns an independent copy of ci by serializing and
// re-parsing it, the way FSBlockStore hands callers an owned copy of its
// hydrated index.
func RoundTrip(ci *Index) (*Index, error) {
	buf, err := ci.Bytes()
	if err != nil {
		return nil, err
	}
	return ReadFrom(bytes.NewReader(buf))
}

// Bytes serializes ci into a freshly allocated buffer.
func (ci *Index) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := ci.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
