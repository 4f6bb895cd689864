package commands

import (
	"hash/fnv"
	"os"

	"github.com/spf13/cobra"

	"github.com/tvandijck/longtail/pkg/blockstore/block"
)

var putCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Pack a file's contents as a single chunk and store it as one block",
	Long: `put reads the named file whole, treats it as a single chunk, hashes it
with a CLI-local FNV-1a hash (the store itself is agnostic to the hash
family; production callers supply their own chunker/hasher), and stores it
as a one-chunk block. Prints the resulting block hash in hex.`,
	Args: cobra.ExactArgs(1),
	RunE: runPut,
}

func runPut(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	store, cfg, err := openStore()
	if err != nil {
		return err
	}

	chunkHash := fnvHash(data)
	blockHash := block.BlockHash(chunkHash)

	idx := &block.BlockIndex{
		BlockHash:      blockHash,
		HashIdentifier: block.HashIdentifier(cfg.FS.HashIdentifier),
		ChunkHashes:    []block.ChunkHash{block.ChunkHash(chunkHash)},
		ChunkSizes:     []uint32{uint32(len(data))},
	}
	sb := block.NewStoredBlock(idx, data)

	var putErr error
	if err := store.PutStoredBlock(sb, func(err error) { putErr = err }); err != nil {
		return err
	}
	if putErr != nil {
		return putErr
	}

	cmd.Printf("0x%016x\n", uint64(blockHash))
	return nil
}

func fnvHash(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}
