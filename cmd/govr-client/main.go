// Command govr-client is the interactive key-value REPL.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mgentili/govr/client"
)

func main() {
	var addr string

	cmd := &cobra.Command{
		Use:           "govr-client",
		Short:         "interactive client for a govr replica group",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(addr)
			if err != nil {
				return err
			}
			return client.RunREPL(c, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "host:port of any replica")
	cmd.MarkFlagRequired("addr")

	if err := cmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
