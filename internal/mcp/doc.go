// Package mcp exposes scratchsync over the Model Context Protocol.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// on the stdio transport and calls the session, persister and catalog
// components directly. Every tool is also recorded in a ToolRegistry so
// agents can discover them through tool_search and tool_list.
package mcp
