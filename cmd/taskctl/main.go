package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts storeOptions

	root := &cobra.Command{
		Use:   "taskctl",
		Short: "Inspect the local task store and sync queue",
		Long: `The tasks, queue and verify commands open the client's BoltDB file read-only.
Stop the server first or raise --lock-timeout, since the server holds the write lock.`,
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.path, "store", "", "BoltDB path (default BOLTDB_PATH)")
	root.PersistentFlags().DurationVar(&opts.lockTimeout, "lock-timeout", 0, "How long to wait for the file lock")

	root.AddCommand(tasksCmd(&opts))
	root.AddCommand(queueCmd(&opts))
	root.AddCommand(verifyCmd(&opts))
	root.AddCommand(schemaCmd())
	return root
}
