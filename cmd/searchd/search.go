package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperifyio/searchd/internal/app"
	"github.com/hyperifyio/searchd/internal/search"
)

type searchOptions struct {
	category   string
	maxResults int
	timeout    time.Duration
	providers  []string
	mode       string
	format     string
	noWait     bool
}

func newSearchCmd(g *globalOptions) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run one search and print the merged results",
		Long: `Run one search against the configured providers.

Examples:
  searchd search "climate policy" --category news
  searchd search "go generics" --providers duckduckgo,serpapi --max-results 5
  searchd search "rust async" --mode fallback --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), g.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			q := search.Query{
				Text:        strings.Join(args, " "),
				Category:    opts.category,
				MaxResults:  opts.maxResults,
				Timeout:     opts.timeout,
				Providers:   opts.providers,
				NonBlocking: opts.noWait,
			}
			resp, err := a.Search(cmd.Context(), q, opts.mode)
			if err != nil {
				var all *search.AllProvidersFailedError
				if errors.As(err, &all) {
					writeStatus(cmd.ErrOrStderr(), all.Status)
				}
				return err
			}
			if opts.format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			writeText(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.category, "category", "", "Category: general, news, academic, code")
	cmd.Flags().IntVarP(&opts.maxResults, "max-results", "n", 0, "Maximum merged results (default from config)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Overall deadline, e.g. 10s (default from config)")
	cmd.Flags().StringSliceVarP(&opts.providers, "providers", "p", nil, "Only query these providers")
	cmd.Flags().StringVar(&opts.mode, "mode", "aggregate", "aggregate or fallback")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().BoolVar(&opts.noWait, "no-wait", false, "Skip providers whose rate budget is spent instead of waiting")
	return cmd
}

func writeText(w io.Writer, resp *search.Response) {
	fmt.Fprintf(w, "Results for %q (%s)\n\n", resp.Query, resp.RequestID)
	if len(resp.Results) == 0 {
		fmt.Fprintln(w, "No results.")
	}
	for i, r := range resp.Results {
		fmt.Fprintf(w, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(w, "   %s\n", r.Snippet)
		}
		fmt.Fprintf(w, "   score %.3f via %s\n", r.Score, strings.Join(r.Providers, ", "))
	}
	fmt.Fprintln(w)
	writeStatus(w, resp.Status)
}

func writeStatus(w io.Writer, status map[string]search.ProviderStatus) {
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := status[name]
		if st.OK {
			fmt.Fprintf(w, "%-11s ok       %3d hits  %s\n", name, st.Hits, st.Latency.Round(time.Millisecond))
			continue
		}
		fmt.Fprintf(w, "%-11s %-8s %s\n", name, st.Kind, st.Error)
	}
}
