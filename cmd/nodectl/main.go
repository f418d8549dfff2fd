package main

import (
	"fmt"
	"os"

	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	logs.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nodectl",
		Short:         "Run and exercise evmesh networking nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newSendCmd(), newKeygenCmd(), newInitCmd())
	return root
}
