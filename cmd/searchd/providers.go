package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperifyio/searchd/internal/app"
)

func newProvidersCmd(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List providers with their configuration and circuit state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), g.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			list := a.Manager().Providers()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCONFIGURED\tSTATE\tWEIGHT\tTIMEOUT\tRETRIES")
			for _, p := range list {
				fmt.Fprintf(tw, "%s\t%t\t%s\t%.2f\t%s\t%d\n", p.Name, p.Configured, p.State, p.Weight, p.Timeout, p.Retries)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
