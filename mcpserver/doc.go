// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the sandbox to MCP clients through two
// tools: run_code, which submits interpreter code over the control channel
// and returns the streamed output with the terminal result, and
// sandbox_status, which reports the monitor's latest resource and security
// snapshots. It uses the mark3labs/mcp-go library to handle the protocol
// details.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, runner, status)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
