package salesforce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcebridge/mcp-salesforce/internal/config"
)

func testSalesforceConfig() config.Salesforce {
	return config.Salesforce{
		InstanceURL: "https://example.my.salesforce.com",
		Strategy:    config.StrategyAccessToken,
		AccessToken: "token",
	}
}

func TestProviderConnectsOnceUnderConcurrency(t *testing.T) {
	provider := NewProvider(testSalesforceConfig(), nil)
	var attempts atomic.Int64
	provider.connect = func(context.Context, config.Salesforce) (*Client, error) {
		attempts.Add(1)
		return NewClient("https://example.my.salesforce.com", nil), nil
	}

	const n = 32
	var wg sync.WaitGroup
	conns := make([]*Client, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := provider.Connection(context.Background())
			require.NoError(t, err)
			conns[i] = conn
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), attempts.Load(), "authentication must run exactly once")
	for _, conn := range conns {
		assert.Same(t, conns[0], conn, "all callers share one connection")
	}
}

func TestProviderRetriesAfterFailure(t *testing.T) {
	provider := NewProvider(testSalesforceConfig(), nil)
	var attempts atomic.Int64
	provider.connect = func(context.Context, config.Salesforce) (*Client, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("invalid_grant: expired access/refresh token")
		}
		return NewClient("https://example.my.salesforce.com", nil), nil
	}

	_, err := provider.Connection(context.Background())
	require.Error(t, err)

	// The cache stays unset after a failure, so the next call re-attempts.
	conn, err := provider.Connection(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Equal(t, int64(2), attempts.Load())
}

func TestProviderReturnsCachedConnection(t *testing.T) {
	provider := NewProvider(testSalesforceConfig(), nil)
	var attempts atomic.Int64
	provider.connect = func(context.Context, config.Salesforce) (*Client, error) {
		attempts.Add(1)
		return NewClient("https://example.my.salesforce.com", nil), nil
	}

	first, err := provider.Connection(context.Background())
	require.NoError(t, err)
	second, err := provider.Connection(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), attempts.Load())
}
