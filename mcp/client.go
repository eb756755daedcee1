package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	agon "github.com/agon-protocol/agon/go"
)

// PayingSession wraps a connected MCP client session so that every tool call
// carries a freshly issued capability token in _meta. Tokens come from the
// consumer's backend credential; one single-use token is issued per call.
type PayingSession struct {
	consumer *agon.Consumer
	session  *mcpsdk.ClientSession
}

// NewPayingSession wraps an already-connected session.
func NewPayingSession(consumer *agon.Consumer, session *mcpsdk.ClientSession) (*PayingSession, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if session == nil {
		return nil, fmt.Errorf("session is required")
	}
	return &PayingSession{consumer: consumer, session: session}, nil
}

// CallTool issues a token and invokes the tool with it attached.
func (s *PayingSession) CallTool(ctx context.Context, name string, args map[string]interface{}) (ToolResult, error) {
	token, err := s.consumer.IssueToken(ctx, agon.TokenOptions{})
	if err != nil {
		return ToolResult{}, err
	}

	params := &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
		Meta:      mcpsdk.Meta(map[string]interface{}{TokenMetaKey: token.Token}),
	}

	result, err := s.session.CallTool(ctx, params)
	if err != nil {
		return ToolResult{}, err
	}

	return fromSDKResult(result), nil
}

// Close closes the underlying session.
func (s *PayingSession) Close() error {
	return s.session.Close()
}

// fromSDKResult maps an SDK tool result to the transport-neutral shape.
func fromSDKResult(result *mcpsdk.CallToolResult) ToolResult {
	content := make([]ContentItem, 0, len(result.Content))
	for _, item := range result.Content {
		if textContent, ok := item.(*mcpsdk.TextContent); ok {
			content = append(content, ContentItem{
				Type: "text",
				Text: textContent.Text,
			})
		}
	}

	out := ToolResult{
		Content: content,
		IsError: result.IsError,
	}

	if result.StructuredContent != nil {
		if structuredMap, ok := result.StructuredContent.(map[string]interface{}); ok {
			out.StructuredContent = structuredMap
		}
	}

	if result.Meta != nil {
		metaMap := result.Meta.GetMeta()
		if len(metaMap) > 0 {
			out.Meta = make(map[string]interface{}, len(metaMap))
			for k, v := range metaMap {
				out.Meta[k] = v
			}
		}
	}

	return out
}

// PaymentRequired extracts the payment-required body from a tool result, or
// nil if the result is not a 402.
func PaymentRequired(result ToolResult) map[string]interface{} {
	if result.Meta == nil {
		return nil
	}
	body, _ := result.Meta[PaymentRequiredMetaKey].(map[string]interface{})
	return body
}
