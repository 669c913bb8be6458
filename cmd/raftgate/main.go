package main

import (
    "log"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-raftgate/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "raftgate",
        Short:         "raftgate cluster node and management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    cli.AddAll(root)
    return root
}
