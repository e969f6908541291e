package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/awsclient"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/query"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the Glue catalog table the query reads",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "describe",
		Short: "Print the crawled table schema and check the query's columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, _, clients, err := awsclient.Bootstrap(ctx, envFiles...)
			if err != nil {
				return err
			}
			schema, err := query.LoadTableSchema(ctx, clients.Glue, cfg.Athena.Database, cfg.Athena.Table)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, query.CompactSchemaText(schema))
			if err := schema.RequireStateCountColumns(); err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, "state counts columns OK")
			return err
		},
	})
	return cmd
}
