package commands

import (
	"github.com/spf13/cobra"

	"github.com/tvandijck/longtail/pkg/blockstore"
)

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print the store's operation counters",
	Args:  cobra.NoArgs,
	RunE:  runStat,
}

func runStat(cmd *cobra.Command, args []string) error {
	store, _, err := openStore()
	if err != nil {
		return err
	}
	snap := store.GetStats()

	row := func(label string, stat blockstore.Stat) {
		cmd.Printf("%-28s %d\n", label, snap.Get(stat))
	}
	row("get_stored_block", blockstore.GetStoredBlockCount)
	row("get_stored_block_retry", blockstore.GetStoredBlockRetryCount)
	row("get_stored_block_fail", blockstore.GetStoredBlockFailCount)
	row("get_stored_block_chunks", blockstore.GetStoredBlockChunkCount)
	row("get_stored_block_bytes", blockstore.GetStoredBlockByteCount)
	row("put_stored_block", blockstore.PutStoredBlockCount)
	row("put_stored_block_retry", blockstore.PutStoredBlockRetryCount)
	row("put_stored_block_fail", blockstore.PutStoredBlockFailCount)
	row("put_stored_block_chunks", blockstore.PutStoredBlockChunkCount)
	row("put_stored_block_bytes", blockstore.PutStoredBlockByteCount)
	row("retarget_content", blockstore.RetargetContentCount)
	row("retarget_content_fail", blockstore.RetargetContentFailCount)
	row("preflight_get", blockstore.PreflightGetCount)
	row("preflight_get_fail", blockstore.PreflightGetFailCount)
	row("flush", blockstore.FlushCount)
	row("flush_fail", blockstore.FlushFailCount)
	return nil
}
