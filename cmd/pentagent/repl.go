package main

import (
	"github.com/spf13/cobra"

	"github.com/probelab/pentagent/internal/repl"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start the interactive audit shell",
	Long:  `Start an interactive shell for browsing recorded runs and their findings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		r, err := repl.New(&repl.Config{Store: store})
		if err != nil {
			return err
		}
		return r.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(replCmd)
}
