// Package salesforce implements the gateway's upstream link to a Salesforce
// org: a thin REST client plus a process-wide connection provider that
// authenticates lazily and shares one connection across all sessions.
package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// apiVersion pins the Salesforce REST API version used for all calls.
const apiVersion = "v59.0"

// Client is an authenticated connection to one Salesforce org. The embedded
// http.Client carries the OAuth token source; Client itself is stateless and
// safe for concurrent use.
type Client struct {
	instanceURL string
	httpClient  *http.Client
}

// NewClient wraps an already-authenticated http.Client for the given org.
func NewClient(instanceURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		instanceURL: strings.TrimRight(instanceURL, "/"),
		httpClient:  httpClient,
	}
}

// InstanceURL reports the org URL this client talks to.
func (c *Client) InstanceURL() string { return c.instanceURL }

// QueryResult is the wire shape of a SOQL query response.
type QueryResult struct {
	TotalSize int              `json:"totalSize"`
	Done      bool             `json:"done"`
	Records   []map[string]any `json:"records"`
}

// Field is the subset of a describe field entry the gateway consumes.
type Field struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Nillable bool   `json:"nillable"`
}

// DescribeResult is the subset of a describe response the gateway consumes.
type DescribeResult struct {
	Name   string  `json:"name"`
	Label  string  `json:"label"`
	Fields []Field `json:"fields"`
}

// SaveResult reports the outcome of a create or update.
type SaveResult struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Errors  []any  `json:"errors"`
}

// SearchResult is the wire shape of a SOSL search response.
type SearchResult struct {
	SearchRecords []map[string]any `json:"searchRecords"`
}

// UserInfo is the identity payload returned by the userinfo endpoint.
type UserInfo struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Username       string `json:"preferred_username"`
}

// APIError is a structured error returned by the Salesforce REST API.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
	}
	return e.Message
}

// Query executes a SOQL query. The query text is sent verbatim; the caller
// is trusted not to need escaping.
func (c *Client) Query(ctx context.Context, soql string) (*QueryResult, error) {
	var out QueryResult
	path := "/services/data/" + apiVersion + "/query?q=" + url.QueryEscape(soql)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DescribeSObject fetches the full field metadata for one object type.
func (c *Client) DescribeSObject(ctx context.Context, objectName string) (*DescribeResult, error) {
	var out DescribeResult
	path := "/services/data/" + apiVersion + "/sobjects/" + url.PathEscape(objectName) + "/describe"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRecord inserts a record; data is passed through unmodified.
func (c *Client) CreateRecord(ctx context.Context, objectName string, data map[string]any) (*SaveResult, error) {
	var out SaveResult
	path := "/services/data/" + apiVersion + "/sobjects/" + url.PathEscape(objectName)
	if err := c.do(ctx, http.MethodPost, path, data, &out); err != nil {
		return nil, err
	}
	if out.Errors == nil {
		out.Errors = []any{}
	}
	return &out, nil
}

// UpdateRecord patches a record. The record map is sent as the request body
// as-is, including its Id key; recordID additionally routes the URL.
// Salesforce answers 204 on success, so the result is synthesized.
func (c *Client) UpdateRecord(ctx context.Context, objectName, recordID string, record map[string]any) (*SaveResult, error) {
	path := "/services/data/" + apiVersion + "/sobjects/" + url.PathEscape(objectName) + "/" + url.PathEscape(recordID)
	if err := c.do(ctx, http.MethodPatch, path, record, nil); err != nil {
		return nil, err
	}
	return &SaveResult{ID: recordID, Success: true, Errors: []any{}}, nil
}

// Search executes a SOSL search. The SOSL text is sent verbatim.
func (c *Client) Search(ctx context.Context, sosl string) (*SearchResult, error) {
	var out SearchResult
	path := "/services/data/" + apiVersion + "/search?q=" + url.QueryEscape(sosl)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.SearchRecords == nil {
		out.SearchRecords = []map[string]any{}
	}
	return &out, nil
}

// Identity performs the userinfo round-trip used to validate a fresh
// refresh-token connection.
func (c *Client) Identity(ctx context.Context) (*UserInfo, error) {
	var out UserInfo
	if err := c.do(ctx, http.MethodGet, "/services/oauth2/userinfo", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("salesforce: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.instanceURL+path, reader)
	if err != nil {
		return fmt.Errorf("salesforce: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("salesforce: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("salesforce: decode response: %w", err)
	}
	return nil
}

// decodeAPIError parses the REST API's error array; it falls back to the raw
// body when the shape is unexpected.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var entries []struct {
		Message   string `json:"message"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(raw, &entries); err == nil && len(entries) > 0 {
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorCode:  entries[0].ErrorCode,
			Message:    entries[0].Message,
		}
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
	}
}
