// Package mcp monetizes MCP tool calls with the payment protocol: the
// capability token rides in the call's _meta, the server-side wrapper drives
// authorize/consume/release around the tool handler, and the client-side
// session wrapper injects fresh tokens via a Consumer.
package mcp

import "context"

// Meta keys used on MCP tool calls.
const (
	// TokenMetaKey carries the capability token (client -> server).
	TokenMetaKey = "agon/token"

	// PaymentRequiredMetaKey flags a payment-required tool result and carries
	// the structured 402 body (server -> client).
	PaymentRequiredMetaKey = "agon/payment-required"

	// ReservationMetaKey reports the settled reservation id (server -> client).
	ReservationMetaKey = "agon/reservation"
)

// ToolContext provides call context during tool execution.
type ToolContext struct {
	ToolName  string
	Arguments map[string]interface{}
	Meta      map[string]interface{}
}

// ContentItem is one piece of tool result content.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is a transport-neutral MCP tool result.
type ToolResult struct {
	Content           []ContentItem          `json:"content"`
	StructuredContent map[string]interface{} `json:"structuredContent,omitempty"`
	IsError           bool                   `json:"isError,omitempty"`
	Meta              map[string]interface{} `json:"_meta,omitempty"`
}

// ToolHandler is the signature for wrapped MCP tool handlers.
type ToolHandler func(ctx context.Context, args map[string]interface{}, tc ToolContext) (ToolResult, error)
