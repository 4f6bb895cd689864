package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tvandijck/longtail/pkg/blockstore/block"
)

var getCmd = &cobra.Command{
	Use:   "get <block-hash> <out-file>",
	Short: "Fetch a block by hash and write its payload to a file",
	Long: `get accepts a block hash in "0x..." hex form, fetches the block, and
writes its raw payload (the concatenation of its chunks) to out-file.`,
	Args: cobra.ExactArgs(2),
	RunE: runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	hash, err := parseBlockHash(args[0])
	if err != nil {
		return err
	}

	store, _, err := openStore()
	if err != nil {
		return err
	}

	var (
		data   []byte
		getErr error
	)
	dispatchErr := store.GetStoredBlock(hash, func(sb *block.StoredBlock, err error) {
		if err != nil {
			getErr = err
			return
		}
		defer sb.Release()
		data = append([]byte(nil), sb.Data...)
	})
	if dispatchErr != nil {
		return dispatchErr
	}
	if getErr != nil {
		return getErr
	}

	if err := os.WriteFile(args[1], data, 0o644); err != nil {
		return err
	}
	cmd.Printf("wrote %d bytes to %s\n", len(data), args[1])
	return nil
}

func parseBlockHash(s string) (block.BlockHash, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block hash %q: %w", s, err)
	}
	return block.BlockHash(v), nil
}
