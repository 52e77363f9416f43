// Command rvkernelctl drives the simulated kernel harness: formatting a
// disk image, booting a multi-hart run over it, checking and inspecting the
// filesystem on it, and exercising the frame allocator's COW fork path
// across harts, as a cobra-based multi-command CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rvkernel/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "rvkernelctl",
		Short: "Drive the rvkernel teaching-kernel harness",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to rvkernel.yaml (default: ./rvkernel.yaml)")

	loadConfig := func() (*config.Config, error) {
		return config.Load(cfgPath)
	}

	root.AddCommand(newMkfsCmd(loadConfig))
	root.AddCommand(newBootCmd(loadConfig))
	root.AddCommand(newFsckCmd(loadConfig))
	root.AddCommand(newBenchCmd(loadConfig))
	root.AddCommand(newStatCmd(loadConfig))
	return root
}
