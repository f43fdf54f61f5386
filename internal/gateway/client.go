package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Client is the storefront's handle on the hosted gateway.
type Client struct {
	registry *Registry
	http     *http.Client
	baseURL  string
	keyID    string
	interval time.Duration
	log      *zap.Logger
}

func NewClient(registry *Registry, baseURL, keyID string, interval time.Duration, log *zap.Logger) *Client {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Client{
		registry: registry,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   5 * time.Second,
		},
		baseURL:  strings.TrimRight(baseURL, "/"),
		keyID:    keyID,
		interval: interval,
		log:      log,
	}
}

func (c *Client) KeyID() string { return c.keyID }

// WaitUntilReady polls the readiness endpoint until it answers 200 or ctx ends.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	attempt := 0
	for {
		attempt++
		err := c.probe(ctx)
		if err == nil {
			return nil
		}
		c.log.Debug("payment gateway not ready", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrGatewayNotReady, err)
		case <-ticker.C:
		}
	}
}

func (c *Client) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (string, error) {
	return c.registry.CreateOrder(ctx, amount, currency, receipt)
}

func (c *Client) Open(ctx context.Context, s PaymentSession) (<-chan Result, error) {
	if s.KeyID == "" {
		s.KeyID = c.keyID
	}
	return c.registry.Open(ctx, s)
}
