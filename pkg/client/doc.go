// Package client is the Go SDK for toolgate.
//
// Basic usage:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Register a downstream MCP server.
//	_, err = c.RegisterServer(ctx, client.ServerRegistration{
//		Name:      "weather",
//		Transport: "http",
//		URL:       "https://weather.example.com/mcp",
//		AuthHeaders: map[string]string{
//			"Authorization": "Bearer " + apiKey,
//		},
//	})
//
//	// Find relevant tools. Returned tools are callable immediately, even
//	// when the server was registered with deferred loading.
//	result, err := c.Search(ctx, client.SearchRequest{Query: "weather forecast"})
//
//	// Invoke one by its namespaced name.
//	out, err := c.CallTool(ctx, "weather__forecast", map[string]any{
//		"city": "Oslo",
//	}, nil)
//
// Failures carry the gateway's stable error code:
//
//	if client.ErrorCode(err) == "not_found" {
//		// tool not active or unknown
//	}
package client
