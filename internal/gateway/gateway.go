// Package gateway is the HTTP-facing layer of the Salesforce MCP gateway:
// session lifecycle, the two transport variants, the shared-secret gate,
// and the health and metrics endpoints.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/forcebridge/mcp-salesforce/internal/config"
	"github.com/forcebridge/mcp-salesforce/internal/tools"
)

// sessionHeader carries the session identifier on requests and responses of
// the streamable transport.
const sessionHeader = "Mcp-Session-Id"

// maxBodyBytes bounds inbound protocol messages.
const maxBodyBytes = 4 << 20

// Options configure a Gateway instance.
type Options struct {
	// Addr is the listen address used by ListenAndServe. Defaults to ":8080".
	Addr string
	// Transport selects the serving variant. Defaults to streamable.
	Transport config.TransportKind
	// APIKey, when non-empty, gates every route except health and metrics.
	APIKey string
	// Implementation identifies the MCP server metadata announced to clients.
	Implementation *mcp.Implementation
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.Transport == "" {
		opts.Transport = config.TransportStreamable
	}
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "salesforce-mcp-gateway",
			Title:   "Salesforce MCP Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}

// Gateway routes HTTP requests into the session manager and serves the tool
// protocol over the configured transport.
type Gateway struct {
	opts       Options
	dispatcher *tools.Dispatcher
	sessions   *SessionManager
	metrics    *metrics
	handler    http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Gateway over the given connection provider.
func New(provider tools.ConnectionProvider, opts *Options) *Gateway {
	options := opts.withDefaults()
	g := &Gateway{opts: options, metrics: newMetrics()}

	g.dispatcher = tools.NewDispatcher(provider, options.Logger, g.metrics.toolCall)

	mode := deliverByRequest
	if options.Transport == config.TransportSSE {
		mode = deliverToStream
	}
	g.sessions = NewSessionManager(g.newServer, mode, options.Logger)
	g.sessions.onCreate = g.metrics.sessionCreated
	g.sessions.onTerminate = g.metrics.sessionTerminated

	g.handler = g.mountHandler()
	return g
}

// newServer constructs the per-session protocol server with the tool set
// registered. Every session gets its own instance.
func (g *Gateway) newServer() *mcp.Server {
	server := mcp.NewServer(g.opts.Implementation, &mcp.ServerOptions{HasTools: true})
	g.dispatcher.Register(server)
	return server
}

// Handler exposes the HTTP handler for embedding or tests.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Sessions exposes the session table (used by tests and shutdown).
func (g *Gateway) Sessions() *SessionManager { return g.sessions }

func (g *Gateway) mountHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/", g.handleHealth)
	r.Method(http.MethodGet, "/metrics", g.metrics.handler())

	r.Group(func(r chi.Router) {
		r.Use(g.requireAPIKey)
		switch g.opts.Transport {
		case config.TransportSSE:
			r.Get("/sse", g.handleSSEOpen)
			r.Post("/messages", g.handleSSEMessage)
		default:
			r.Post("/mcp", g.handlePost)
			r.Get("/mcp", g.handleStreamAttach)
			r.Delete("/mcp", g.handleTerminate)
		}
	})

	// Permissive CORS so browser-based automation clients can connect.
	return cors.AllowAll().Handler(r)
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		srv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("gateway: server already running on %s", srv.Addr)
	}
	srv := &http.Server{
		Addr:              g.opts.Addr,
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	g.opts.Logger.Info("gateway listening", "addr", g.opts.Addr, "transport", string(g.opts.Transport))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		g.sessions.CloseAll()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server and closes all sessions.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	g.sessions.CloseAll()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// requireAPIKey enforces the shared-secret gate. Requests may present the
// secret as a bearer token or an api_key query parameter. When no secret is
// configured the middleware passes everything through.
func (g *Gateway) requireAPIKey(next http.Handler) http.Handler {
	if g.opts.APIKey == "" {
		return next
	}
	secret := []byte(g.opts.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := bearerToken(r)
		if presented == "" {
			presented = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(presented), secret) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// handleHealth reports static service status; exempt from authentication.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "salesforce-mcp-gateway",
		"transport": string(g.opts.Transport),
	})
}

// handlePost is the streamable initiate-or-continue entry point: an
// initialize message with no session header creates a session; anything else
// requires a valid header and is routed into the existing transport.
func (g *Gateway) handlePost(w http.ResponseWriter, r *http.Request) {
	msg, ok := g.decodeBody(w, r)
	if !ok {
		return
	}

	id := r.Header.Get(sessionHeader)
	if id == "" {
		if !isInitialize(msg) {
			writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "no session: first request must be an initialize request", messageID(msg))
			return
		}
		session, err := g.sessions.Create(r.Context())
		if err != nil {
			g.opts.Logger.Error("session create failed", "error", err)
			writeRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to create session", messageID(msg))
			return
		}
		if !g.deliverAndReply(w, r, session, msg) {
			// A failed handshake must not leave an orphan table entry.
			session.Close()
		}
		return
	}

	session, err := g.sessions.Get(id)
	if err != nil {
		writeRPCError(w, http.StatusNotFound, codeSessionNotFound, "session not found", messageID(msg))
		return
	}
	g.deliverAndReply(w, r, session, msg)
}

func (g *Gateway) deliverAndReply(w http.ResponseWriter, r *http.Request, session *Session, msg jsonrpc.Message) bool {
	resp, err := session.transport.Deliver(r.Context(), msg)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, codeInternalError, err.Error(), messageID(msg))
		return false
	}
	w.Header().Set(sessionHeader, session.ID)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return true
	}
	encoded, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to encode response", messageID(msg))
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(encoded)
	return true
}

// handleStreamAttach attaches the server-push stream of an already-open
// session (streamable transport GET).
func (g *Gateway) handleStreamAttach(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "a session header is required", jsonrpc.ID{})
		return
	}
	session, err := g.sessions.Get(id)
	if err != nil {
		writeRPCError(w, http.StatusNotFound, codeSessionNotFound, "session not found", jsonrpc.ID{})
		return
	}
	w.Header().Set(sessionHeader, session.ID)
	g.serveStream(w, r, session, nil)
}

// handleTerminate idempotently closes a session. Unknown identifiers still
// report success.
func (g *Gateway) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "a session header is required", jsonrpc.ID{})
		return
	}
	g.sessions.Terminate(id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleSSEOpen creates a session whose entire server-to-client traffic
// rides one long-lived event stream. The first event names the message-post
// endpoint carrying the session identifier.
func (g *Gateway) handleSSEOpen(w http.ResponseWriter, r *http.Request) {
	session, err := g.sessions.Create(r.Context())
	if err != nil {
		g.opts.Logger.Error("session create failed", "error", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	endpoint := "/messages?sessionId=" + session.ID
	g.serveStream(w, r, session, func(w io.Writer) {
		fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	})
	// The stream is the session's lifeline on this transport: when the
	// client goes away the session goes with it.
	session.Close()
}

// handleSSEMessage routes a client message into an SSE session. Responses
// are delivered on the stream, so the POST always answers 202.
func (g *Gateway) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := g.decodeBody(w, r)
	if !ok {
		return
	}
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "a sessionId query parameter is required", messageID(msg))
		return
	}
	session, err := g.sessions.Get(id)
	if err != nil {
		writeRPCError(w, http.StatusNotFound, codeSessionNotFound, "session not found", messageID(msg))
		return
	}
	if _, err := session.transport.Deliver(r.Context(), msg); err != nil {
		writeRPCError(w, http.StatusInternalServerError, codeInternalError, err.Error(), messageID(msg))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// serveStream writes the session's server-push messages as SSE events until
// the client disconnects or the session closes.
func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request, session *Session, preamble func(io.Writer)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if preamble != nil {
		preamble(w)
	}
	flusher.Flush()

	for {
		select {
		case msg := <-session.transport.Stream():
			encoded, err := jsonrpc.EncodeMessage(msg)
			if err != nil {
				g.opts.Logger.Error("encode stream message", "error", err, "session", session.ID)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", encoded)
			flusher.Flush()
		case <-session.transport.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request) (jsonrpc.Message, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, codeParseError, "failed to read request body", jsonrpc.ID{})
		return nil, false
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, codeParseError, "invalid JSON-RPC message", jsonrpc.ID{})
		return nil, false
	}
	return msg, true
}

// JSON-RPC error codes used at the HTTP boundary.
const (
	codeParseError      = -32700
	codeInvalidRequest  = -32600
	codeInternalError   = -32603
	codeSessionNotFound = -32001
)

// writeRPCError reports a boundary failure as a JSON-RPC error, echoing the
// originating request id when one was decoded so clients can correlate.
func writeRPCError(w http.ResponseWriter, status, code int, message string, id jsonrpc.ID) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id.Raw(),
		"error":   map[string]any{"code": code, "message": message},
	})
}

// messageID extracts the request id from a decoded message; notifications
// and responses yield the zero (null) id.
func messageID(msg jsonrpc.Message) jsonrpc.ID {
	if req, ok := msg.(*jsonrpc.Request); ok {
		return req.ID
	}
	return jsonrpc.ID{}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
