package salesforce

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/forcebridge/mcp-salesforce/internal/config"
)

// Provider owns the process-wide shared connection. The connection is
// established lazily on first use and then reused until process exit; a
// failed attempt leaves the cache unset so a later call retries.
type Provider struct {
	cfg    config.Salesforce
	logger *slog.Logger

	// connect is swappable for tests; defaults to Connect.
	connect func(context.Context, config.Salesforce) (*Client, error)

	mu    sync.Mutex
	conn  *Client
	group singleflight.Group
}

// NewProvider builds a Provider. No network activity happens until the first
// Connection call.
func NewProvider(cfg config.Salesforce, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, logger: logger, connect: Connect}
}

// Connection returns the shared connection, authenticating on first use.
// Concurrent first calls collapse into one authentication: later callers
// wait on the in-flight attempt instead of issuing their own.
func (p *Provider) Connection(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	if p.conn != nil {
		conn := p.conn
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do("connect", func() (any, error) {
		// Re-check under the lock: a previous flight may have landed
		// between the fast path and joining this one.
		p.mu.Lock()
		if p.conn != nil {
			conn := p.conn
			p.mu.Unlock()
			return conn, nil
		}
		p.mu.Unlock()

		p.logger.Info("establishing salesforce connection", "strategy", p.cfg.Strategy, "instance", p.cfg.InstanceURL)
		conn, err := p.connect(ctx, p.cfg)
		if err != nil {
			p.logger.Error("salesforce authentication failed", "error", err)
			return nil, err
		}

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}
