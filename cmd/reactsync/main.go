package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"reactsync/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "reactsync",
		Short:         "Reaction state cache and sync gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "optional YAML config file; environment variables override it")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newGetCmd(opts))
	root.AddCommand(newReactCmd(opts))
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	if o.configPath == "" {
		return config.Load(), nil
	}
	return config.LoadFile(o.configPath)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
