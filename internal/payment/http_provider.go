package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

type HTTPProviderConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// consecutive failures before the breaker opens
	MaxFailures uint32
	OpenTimeout time.Duration
}

// HTTPProvider calls the provider's link endpoint through a circuit
// breaker so that an outage fails checkouts fast instead of piling up.
type HTTPProvider struct {
	cfg     HTTPProviderConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[Link]
}

func NewHTTPProvider(cfg HTTPProviderConfig, client *http.Client, log logrus.FieldLogger) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}

	breaker := gobreaker.NewCircuitBreaker[Link](gobreaker.Settings{
		Name:        "payment-provider",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// a rejected request is the provider working as intended
			return err == nil || errors.Is(err, ErrProviderRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})

	return &HTTPProvider{cfg: cfg, client: client, breaker: breaker}
}

func (p *HTTPProvider) CreateLink(ctx context.Context, req LinkRequest) (Link, error) {
	link, err := p.breaker.Execute(func() (Link, error) {
		return p.createLink(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Link{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return link, err
}

func (p *HTTPProvider) createLink(ctx context.Context, req LinkRequest) (Link, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return Link{}, fmt.Errorf("marshal link request failed: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/links", bytes.NewReader(body))
	if err != nil {
		return Link{}, fmt.Errorf("build link request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Link{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Link{}, fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var link Link
	if err := json.NewDecoder(resp.Body).Decode(&link); err != nil {
		return Link{}, fmt.Errorf("decode link response failed: %w", err)
	}
	if link.URL == "" {
		return Link{}, fmt.Errorf("%w: empty link", ErrProviderRejected)
	}
	return link, nil
}
