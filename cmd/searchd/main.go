// Command searchd aggregates web search providers behind an MCP server and
// a small CLI.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
