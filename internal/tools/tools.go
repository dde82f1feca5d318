// Package tools declares the fixed set of CRM tools the gateway exposes and
// dispatches calls against the shared Salesforce connection. Every outcome,
// including failures and unknown tool names, is rendered as a tool result;
// nothing escapes as a transport-level error.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forcebridge/mcp-salesforce/internal/salesforce"
)

// Kind enumerates the tools. The set is closed: dispatch matches on the
// variant and the default branch is the unknown-tool result.
type Kind int

const (
	KindUnknown Kind = iota
	KindSOQLQuery
	KindGetObjectMetadata
	KindCreateRecord
	KindUpdateRecord
	KindSearchRecords
)

const (
	nameSOQLQuery         = "soql_query"
	nameGetObjectMetadata = "get_object_metadata"
	nameCreateRecord      = "create_record"
	nameUpdateRecord      = "update_record"
	nameSearchRecords     = "search_records"
)

// defaultSearchObjects is used when search_records is called without an
// explicit object list, in this order.
var defaultSearchObjects = []string{"Account", "Contact", "Opportunity"}

func kindForName(name string) Kind {
	switch name {
	case nameSOQLQuery:
		return KindSOQLQuery
	case nameGetObjectMetadata:
		return KindGetObjectMetadata
	case nameCreateRecord:
		return KindCreateRecord
	case nameUpdateRecord:
		return KindUpdateRecord
	case nameSearchRecords:
		return KindSearchRecords
	}
	return KindUnknown
}

// ConnectionProvider supplies the shared upstream connection, establishing
// it on first use.
type ConnectionProvider interface {
	Connection(ctx context.Context) (*salesforce.Client, error)
}

// Observer is notified after each dispatch; outcome is "ok" or "error".
type Observer func(tool, outcome string)

// Dispatcher executes tool calls. A zero Observer and nil logger are valid.
type Dispatcher struct {
	provider ConnectionProvider
	logger   *slog.Logger
	observe  Observer
}

// NewDispatcher wires a Dispatcher to the connection provider.
func NewDispatcher(provider ConnectionProvider, logger *slog.Logger, observe Observer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{provider: provider, logger: logger, observe: observe}
}

// Register installs all five tools on a server instance. Each session gets
// its own server, so Register runs once per session. Calls naming a tool
// outside the set are intercepted before the protocol layer's own lookup so
// that they come back as error-flagged results, not protocol errors.
func (d *Dispatcher) Register(server *mcp.Server) {
	server.AddReceivingMiddleware(d.catchUnknownTools)
	for _, tool := range Descriptors() {
		name := tool.Name
		server.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args any
			if req.Params != nil {
				args = req.Params.Arguments
			}
			return d.Dispatch(ctx, name, args), nil
		})
	}
}

// catchUnknownTools diverts tools/call requests for names outside the closed
// set into Dispatch, whose unknown-tool branch renders the error result.
func (d *Dispatcher) catchUnknownTools(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		if method == "tools/call" {
			if call, ok := req.(*mcp.CallToolRequest); ok && call.Params != nil && kindForName(call.Params.Name) == KindUnknown {
				return d.Dispatch(ctx, call.Params.Name, call.Params.Arguments), nil
			}
		}
		return next(ctx, method, req)
	}
}

// Descriptors returns the static tool declarations.
func Descriptors() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name:        nameSOQLQuery,
			Description: "Execute a SOQL query against Salesforce and return the matching records",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query": {Type: "string", Description: "SOQL query to execute, e.g. SELECT Id, Name FROM Account"},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        nameGetObjectMetadata,
			Description: "Describe a Salesforce object and return a simplified field listing",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"objectName": {Type: "string", Description: "API name of the object, e.g. Account"},
				},
				Required: []string{"objectName"},
			},
		},
		{
			Name:        nameCreateRecord,
			Description: "Create a record of the given object type",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"objectName": {Type: "string", Description: "API name of the object to create"},
					"data":       {Type: "object", Description: "Field values for the new record"},
				},
				Required: []string{"objectName", "data"},
			},
		},
		{
			Name:        nameUpdateRecord,
			Description: "Update an existing record by Id",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"objectName": {Type: "string", Description: "API name of the object to update"},
					"recordId":   {Type: "string", Description: "Id of the record to update"},
					"data":       {Type: "object", Description: "Field values to apply"},
				},
				Required: []string{"objectName", "recordId", "data"},
			},
		},
		{
			Name:        nameSearchRecords,
			Description: "Full-text search across objects using SOSL",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"searchTerm": {Type: "string", Description: "Text to search for"},
					"objects": {
						Type:        "array",
						Items:       &jsonschema.Schema{Type: "string"},
						Description: "Objects to search; defaults to Account, Contact, Opportunity",
					},
				},
				Required: []string{"searchTerm"},
			},
		},
	}
}

type soqlQueryInput struct {
	Query string `json:"query"`
}

type objectMetadataInput struct {
	ObjectName string `json:"objectName"`
}

type createRecordInput struct {
	ObjectName string         `json:"objectName"`
	Data       map[string]any `json:"data"`
}

type updateRecordInput struct {
	ObjectName string         `json:"objectName"`
	RecordID   string         `json:"recordId"`
	Data       map[string]any `json:"data"`
}

type searchRecordsInput struct {
	SearchTerm string   `json:"searchTerm"`
	Objects    []string `json:"objects"`
}

// fieldMetadata is the simplified projection of a describe field. Required
// is the negation of the backend's nillable flag.
type fieldMetadata struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

type objectMetadata struct {
	Name   string          `json:"name"`
	Label  string          `json:"label"`
	Fields []fieldMetadata `json:"fields"`
}

// Dispatch executes the named tool. The result always carries a single JSON
// text content block; failures set IsError instead of propagating.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args any) *mcp.CallToolResult {
	result := d.dispatch(ctx, name, args)
	if d.observe != nil {
		outcome := "ok"
		if result.IsError {
			outcome = "error"
		}
		d.observe(name, outcome)
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, args any) *mcp.CallToolResult {
	kind := kindForName(name)
	if kind == KindUnknown {
		return errorResult("unknown tool: %s", name)
	}

	conn, err := d.provider.Connection(ctx)
	if err != nil {
		return errorResult("%v", err)
	}

	switch kind {
	case KindSOQLQuery:
		var in soqlQueryInput
		if err := decodeArgs(args, &in); err != nil {
			return errorResult("%v", err)
		}
		res, err := conn.Query(ctx, in.Query)
		if err != nil {
			return errorResult("%v", err)
		}
		return jsonResult(res)

	case KindGetObjectMetadata:
		var in objectMetadataInput
		if err := decodeArgs(args, &in); err != nil {
			return errorResult("%v", err)
		}
		described, err := conn.DescribeSObject(ctx, in.ObjectName)
		if err != nil {
			return errorResult("%v", err)
		}
		meta := objectMetadata{
			Name:   described.Name,
			Label:  described.Label,
			Fields: make([]fieldMetadata, 0, len(described.Fields)),
		}
		for _, field := range described.Fields {
			meta.Fields = append(meta.Fields, fieldMetadata{
				Name:     field.Name,
				Label:    field.Label,
				Type:     field.Type,
				Required: !field.Nillable,
			})
		}
		return jsonResult(meta)

	case KindCreateRecord:
		var in createRecordInput
		if err := decodeArgs(args, &in); err != nil {
			return errorResult("%v", err)
		}
		res, err := conn.CreateRecord(ctx, in.ObjectName, in.Data)
		if err != nil {
			return errorResult("%v", err)
		}
		return jsonResult(res)

	case KindUpdateRecord:
		var in updateRecordInput
		if err := decodeArgs(args, &in); err != nil {
			return errorResult("%v", err)
		}
		merged := make(map[string]any, len(in.Data)+1)
		for k, v := range in.Data {
			merged[k] = v
		}
		merged["Id"] = in.RecordID
		res, err := conn.UpdateRecord(ctx, in.ObjectName, in.RecordID, merged)
		if err != nil {
			return errorResult("%v", err)
		}
		return jsonResult(res)

	case KindSearchRecords:
		var in searchRecordsInput
		if err := decodeArgs(args, &in); err != nil {
			return errorResult("%v", err)
		}
		objects := in.Objects
		if len(objects) == 0 {
			objects = defaultSearchObjects
		}
		sosl := fmt.Sprintf("FIND {%s} IN ALL FIELDS RETURNING %s", in.SearchTerm, strings.Join(objects, ", "))
		res, err := conn.Search(ctx, sosl)
		if err != nil {
			return errorResult("%v", err)
		}
		return jsonResult(res)
	}

	return errorResult("unknown tool: %s", name)
}

// decodeArgs normalizes whatever the protocol layer hands us (raw JSON or an
// already-decoded map) into the tool's typed input. Unknown fields are
// ignored.
func decodeArgs(args, out any) error {
	if args == nil {
		return nil
	}
	raw, ok := args.(json.RawMessage)
	if !ok {
		encoded, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("invalid arguments: %v", err)
		}
		raw = encoded
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	return nil
}

func jsonResult(v any) *mcp.CallToolResult {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: %v", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(encoded)}},
	}
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + fmt.Sprintf(format, args...)}},
	}
}
