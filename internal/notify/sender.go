package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/pkg/circuitbreaker"
)

// GatewayConfig holds configuration for the notification gateway client.
type GatewayConfig struct {
	// BaseURL of the gateway, e.g. http://notification-gateway:8082
	BaseURL string
	// APIKey sent on each request
	APIKey string
	// Timeout per delivery request
	Timeout time.Duration
}

// DefaultGatewayConfig returns gateway client defaults.
func DefaultGatewayConfig(baseURL string) GatewayConfig {
	return GatewayConfig{
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
	}
}

// GatewaySender delivers notifications to the external gateway over HTTP,
// behind a circuit breaker so a gateway outage cannot stall the consumer.
type GatewaySender struct {
	config  GatewayConfig
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewGatewaySender creates a gateway sender.
func NewGatewaySender(cfg GatewayConfig, breakers *circuitbreaker.Manager, logger *zap.Logger) (*GatewaySender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGatewayConfig(cfg.BaseURL).Timeout
	}

	breaker, err := breakers.GetOrCreate("notification-gateway", circuitbreaker.DefaultConfig("notification-gateway"))
	if err != nil {
		return nil, fmt.Errorf("create gateway breaker: %w", err)
	}

	return &GatewaySender{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Send implements Sender.
func (g *GatewaySender) Send(ctx context.Context, n *Notification) error {
	_, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, g.post(ctx, n)
	})
	return err
}

func (g *GatewaySender) post(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.config.BaseURL+"/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("X-API-Key", g.config.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}
