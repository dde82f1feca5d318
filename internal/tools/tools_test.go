package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcebridge/mcp-salesforce/internal/salesforce"
)

type staticProvider struct {
	client *salesforce.Client
	err    error
}

func (p *staticProvider) Connection(context.Context) (*salesforce.Client, error) {
	return p.client, p.err
}

// fakeBackend records the last request per endpoint kind and serves canned
// responses.
type fakeBackend struct {
	lastSOQL   string
	lastSOSL   string
	lastCreate map[string]any
	lastUpdate map[string]any
}

func newBackendDispatcher(t *testing.T) (*fakeBackend, *Dispatcher) {
	t.Helper()
	backend := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/services/data/v59.0/query", func(w http.ResponseWriter, r *http.Request) {
		backend.lastSOQL = r.URL.Query().Get("q")
		json.NewEncoder(w).Encode(salesforce.QueryResult{TotalSize: 0, Done: true, Records: []map[string]any{}})
	})
	mux.HandleFunc("/services/data/v59.0/search", func(w http.ResponseWriter, r *http.Request) {
		backend.lastSOSL = r.URL.Query().Get("q")
		json.NewEncoder(w).Encode(salesforce.SearchResult{SearchRecords: []map[string]any{}})
	})
	mux.HandleFunc("GET /services/data/v59.0/sobjects/Case/describe", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(salesforce.DescribeResult{
			Name:  "Case",
			Label: "Case",
			Fields: []salesforce.Field{
				{Name: "Id", Label: "Case ID", Type: "id", Nillable: false},
				{Name: "Subject", Label: "Subject", Type: "string", Nillable: true},
				{Name: "AccountId", Label: "Account ID", Type: "reference", Nillable: true},
			},
		})
	})
	mux.HandleFunc("POST /services/data/v59.0/sobjects/Case", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&backend.lastCreate)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(salesforce.SaveResult{ID: "500xx000001aBcD", Success: true})
	})
	mux.HandleFunc("PATCH /services/data/v59.0/sobjects/Case/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&backend.lastUpdate)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	provider := &staticProvider{client: salesforce.NewClient(srv.URL, nil)}
	return backend, NewDispatcher(provider, nil, nil)
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content must be a text block")
	return text.Text
}

func TestDispatchSOQLQueryPassesTextVerbatim(t *testing.T) {
	backend, dispatcher := newBackendDispatcher(t)

	res := dispatcher.Dispatch(context.Background(), "soql_query", map[string]any{
		"query": "SELECT Id FROM Account WHERE Name = 'O''Neill'",
	})
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, "SELECT Id FROM Account WHERE Name = 'O''Neill'", backend.lastSOQL)

	var payload salesforce.QueryResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &payload))
	assert.NotNil(t, payload.Records)
}

func TestDispatchObjectMetadataRequiredIsNegatedNillable(t *testing.T) {
	_, dispatcher := newBackendDispatcher(t)

	res := dispatcher.Dispatch(context.Background(), "get_object_metadata", map[string]any{"objectName": "Case"})
	require.False(t, res.IsError, resultText(t, res))

	var meta objectMetadata
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &meta))
	require.Len(t, meta.Fields, 3)
	for _, field := range meta.Fields {
		switch field.Name {
		case "Id":
			assert.True(t, field.Required)
		default:
			assert.False(t, field.Required, "field %s", field.Name)
		}
	}
}

func TestDispatchUpdateRecordMergesID(t *testing.T) {
	backend, dispatcher := newBackendDispatcher(t)

	res := dispatcher.Dispatch(context.Background(), "update_record", map[string]any{
		"objectName": "Case",
		"recordId":   "500xx000001aBcD",
		"data": map[string]any{
			"Subject": "escalated",
			"Id":      "stale-id-from-caller",
		},
	})
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, "500xx000001aBcD", backend.lastUpdate["Id"], "recordId overwrites a caller-supplied Id")
	assert.Equal(t, "escalated", backend.lastUpdate["Subject"])
}

func TestDispatchCreateRecordPassesDataThrough(t *testing.T) {
	backend, dispatcher := newBackendDispatcher(t)

	res := dispatcher.Dispatch(context.Background(), "create_record", map[string]any{
		"objectName": "Case",
		"data":       map[string]any{"Subject": "new case", "Priority": "High"},
	})
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, "new case", backend.lastCreate["Subject"])
	assert.Equal(t, "High", backend.lastCreate["Priority"])
}

func TestDispatchSearchDefaultsObjects(t *testing.T) {
	backend, dispatcher := newBackendDispatcher(t)

	res := dispatcher.Dispatch(context.Background(), "search_records", map[string]any{"searchTerm": "Acme"})
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, "FIND {Acme} IN ALL FIELDS RETURNING Account, Contact, Opportunity", backend.lastSOSL)
}

func TestDispatchSearchExplicitObjects(t *testing.T) {
	backend, dispatcher := newBackendDispatcher(t)

	res := dispatcher.Dispatch(context.Background(), "search_records", map[string]any{
		"searchTerm": "Acme",
		"objects":    []string{"Lead", "Case"},
	})
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, "FIND {Acme} IN ALL FIELDS RETURNING Lead, Case", backend.lastSOSL)
}

func TestDispatchUnknownToolNamesTheTool(t *testing.T) {
	dispatcher := NewDispatcher(&staticProvider{}, nil, nil)

	res := dispatcher.Dispatch(context.Background(), "delete_everything", nil)
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "delete_everything")
}

func TestDispatchProviderFailureIsErrorResult(t *testing.T) {
	dispatcher := NewDispatcher(&staticProvider{err: errors.New("invalid_grant: authentication failure")}, nil, nil)

	res := dispatcher.Dispatch(context.Background(), "soql_query", map[string]any{"query": "SELECT Id FROM Account"})
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "invalid_grant")
}

func TestDispatchBackendErrorIsErrorResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`[{"message":"no such column 'Bogus'","errorCode":"INVALID_FIELD"}]`))
	}))
	t.Cleanup(srv.Close)
	dispatcher := NewDispatcher(&staticProvider{client: salesforce.NewClient(srv.URL, nil)}, nil, nil)

	res := dispatcher.Dispatch(context.Background(), "soql_query", map[string]any{"query": "SELECT Bogus FROM Account"})
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "no such column")
}

func TestDispatchRawJSONArguments(t *testing.T) {
	backend, dispatcher := newBackendDispatcher(t)

	res := dispatcher.Dispatch(context.Background(), "soql_query", json.RawMessage(`{"query":"SELECT Id FROM Contact"}`))
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, "SELECT Id FROM Contact", backend.lastSOQL)
}

func TestDispatchObserverSeesOutcome(t *testing.T) {
	var seenTool, seenOutcome string
	provider := &staticProvider{err: errors.New("down")}
	dispatcher := NewDispatcher(provider, nil, func(tool, outcome string) {
		seenTool, seenOutcome = tool, outcome
	})

	dispatcher.Dispatch(context.Background(), "soql_query", nil)
	assert.Equal(t, "soql_query", seenTool)
	assert.Equal(t, "error", seenOutcome)
}

func TestDescriptorsDeclareAllTools(t *testing.T) {
	names := make([]string, 0, 5)
	for _, tool := range Descriptors() {
		names = append(names, tool.Name)
		require.NotNil(t, tool.InputSchema, "tool %s needs a schema", tool.Name)
	}
	assert.ElementsMatch(t, names, []string{
		"soql_query", "get_object_metadata", "create_record", "update_record", "search_records",
	})
}

// Guard against the query text being URL-mangled on its way upstream.
func TestQueryTextSurvivesEscaping(t *testing.T) {
	backend, dispatcher := newBackendDispatcher(t)
	soql := "SELECT Id FROM Account WHERE Name LIKE '%Acme & Sons%'"

	res := dispatcher.Dispatch(context.Background(), "soql_query", map[string]any{"query": soql})
	require.False(t, res.IsError, resultText(t, res))
	unescaped, err := url.QueryUnescape(url.QueryEscape(backend.lastSOQL))
	require.NoError(t, err)
	assert.Equal(t, soql, unescaped)
}

func TestRegisteredServerReturnsErrorResultForUnknownTool(t *testing.T) {
	dispatcher := NewDispatcher(&staticProvider{err: errors.New("upstream unavailable")}, nil, nil)
	server := mcp.NewServer(&mcp.Implementation{Name: "tools-test", Version: "0.0.1"}, &mcp.ServerOptions{HasTools: true})
	dispatcher.Register(server)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ctx := context.Background()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "tools-test-client", Version: "0.0.1"}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer clientSession.Close()

	res, err := clientSession.CallTool(ctx, &mcp.CallToolParams{Name: "bogus_tool", Arguments: map[string]any{}})
	require.NoError(t, err, "unknown tool must not surface as a protocol error")
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "bogus_tool")

	// Known tools still reach their registered handlers.
	res, err = clientSession.CallTool(ctx, &mcp.CallToolParams{Name: "soql_query", Arguments: map[string]any{"query": "SELECT Id FROM Account"}})
	require.NoError(t, err)
	require.True(t, res.IsError) // the provider fails, so the tool itself reports the failure
	assert.Contains(t, resultText(t, res), "upstream unavailable")
}
