// Command longtail-store is a small CLI for exercising a single
// FSBlockStore (optionally fronted by a CacheBlockStore) directly from
// the shell: put a block, fetch one back by hash, inspect counters, or
// force a flush. Grounded on the teacher's cmd/dittofs cobra layout.
package main

import (
	"fmt"
	"os"

	"github.com/tvandijck/longtail/cmd/longtail-store/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
