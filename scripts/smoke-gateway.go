//go:build ignore

// smoke-gateway.go runs a quick end-to-end pass against a running gateway:
// list servers, dump the catalog, run a search, and call the first match.
//
// Run with: go run scripts/smoke-gateway.go [-gateway http://localhost:8080] [-query "weather forecast"]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/toolgate-io/toolgate/pkg/client"
)

func main() {
	gatewayURL := flag.String("gateway", "http://localhost:8080", "gateway base URL")
	query := flag.String("query", "", "search query; empty skips the search/call step")
	pattern := flag.Bool("pattern", false, "treat query as a regex pattern")
	flag.Parse()

	if err := run(*gatewayURL, *query, *pattern); err != nil {
		fmt.Fprintf(os.Stderr, "smoke: %v\n", err)
		os.Exit(1)
	}
}

func run(gatewayURL, query string, pattern bool) error {
	c, err := client.New(gatewayURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	servers, err := c.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	fmt.Printf("── Servers (%d) ──\n", len(servers))
	for _, s := range servers {
		fmt.Printf("  %-20s %-8s %-12s tools=%d", s.Name, s.Transport, s.Status, s.ToolCount)
		if s.ErrorMessage != "" {
			fmt.Printf("  (%s)", s.ErrorMessage)
		}
		fmt.Println()
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	fmt.Printf("\n── Catalog (%d tools) ──\n", len(tools))
	for _, tool := range tools {
		fmt.Printf("  %-40s %-10s %s\n", tool.NamespacedName, tool.State, truncate(tool.Description, 60))
	}

	if query == "" {
		return nil
	}

	fmt.Printf("\n── Search %q ──\n", query)
	result, err := c.Search(ctx, client.SearchRequest{Query: query, Pattern: pattern})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	for _, tool := range result.Tools {
		fmt.Printf("  %s\n", tool.NamespacedName)
	}
	if len(result.Tools) == 0 {
		fmt.Println("  no matches")
		return nil
	}

	name := result.Tools[0].NamespacedName
	fmt.Printf("\n── Call %s (no arguments) ──\n", name)
	start := time.Now()
	out, err := c.CallTool(ctx, name, map[string]any{}, nil)
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	fmt.Printf("  ok in %dms: %s\n", time.Since(start).Milliseconds(), truncate(string(out), 200))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
