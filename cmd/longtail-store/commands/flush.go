package commands

import (
	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Wait for all previously accepted writes to reach durable storage",
	Args:  cobra.NoArgs,
	RunE:  runFlush,
}

func runFlush(cmd *cobra.Command, args []string) error {
	store, _, err := openStore()
	if err != nil {
		return err
	}

	var flushErr error
	done := make(chan struct{})
	dispatchErr := store.Flush(func(err error) {
		flushErr = err
		close(done)
	})
	if dispatchErr != nil {
		return dispatchErr
	}
	<-done
	if flushErr != nil {
		return flushErr
	}
	cmd.Println("flush complete")
	return nil
}
