package main

import (
	"github.com/spf13/cobra"

	"github.com/sondeworks/sonde/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a read-only HTTP status API for the run",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			srv := server.New(st, server.Config{Addr: addr}, newLogger())
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7667", "listen address")
	return cmd
}
