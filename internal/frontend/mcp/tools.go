package mcp

import (
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// jsonSchemaObject validates schema is well-formed JSON at init time and
// returns it as a json.RawMessage for use as a Tool.InputSchema.
func jsonSchemaObject(schema string) json.RawMessage {
	raw := json.RawMessage(schema)
	if !json.Valid(raw) {
		panic("mcp: invalid tool input schema: " + schema)
	}

	return raw
}

// jsonResult marshals data as the tool's JSON text content.
func jsonResult(data any) *mcpsdk.CallToolResult {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errResult("json marshal: " + err.Error())
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}},
	}
}

// errResult returns a tool result indicating an error.
func errResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
		IsError: true,
	}
}

// parseArgs unmarshals the raw JSON arguments of a tool call into a map.
func parseArgs(req *mcpsdk.CallToolRequest) (map[string]any, error) {
	if len(req.Params.Arguments) == 0 {
		return map[string]any{}, nil
	}

	var m map[string]any

	err := json.Unmarshal(req.Params.Arguments, &m)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	return m, nil
}

// getStringArg extracts a string argument, defaulting to "" when absent or
// of the wrong type.
func getStringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}

	s, ok := v.(string)
	if !ok {
		return ""
	}

	return s
}

// getBoolArg extracts a boolean argument, defaulting to false when absent
// or of the wrong type.
func getBoolArg(args map[string]any, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}

	b, ok := v.(bool)
	if !ok {
		return false
	}

	return b
}
