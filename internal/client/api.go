package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// APIError is a non-2xx answer of the cart server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cart server %d %s: %s", e.Status, e.Code, e.Message)
}

// Transient reports whether retrying the same request may succeed.
func (e *APIError) Transient() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

type ConnectResult struct {
	CartID   string          `json:"cartId"`
	MarketID string          `json:"marketId"`
	Phase    domain.Phase    `json:"phase"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

type CheckoutRequest struct {
	CartID      string            `json:"cartId"`
	Items       []domain.CartLine `json:"items"`
	PayerEmail  string            `json:"payerEmail"`
	TotalAmount decimal.Decimal   `json:"totalAmount"`
}

type CheckoutLink struct {
	PaymentLink       string `json:"link_pagamento"`
	PaymentProviderID string `json:"paymentProviderId"`
}

// API is the HTTP side of the cart server.
type API struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

func NewAPI(serverURL, token string, httpClient *http.Client) (*API, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{baseURL: u, token: token, http: httpClient}, nil
}

func (a *API) Connect(ctx context.Context, marketID, cartPhysicalID string) (ConnectResult, error) {
	var out ConnectResult
	err := a.do(ctx, http.MethodPost, "/cart/connect", nil,
		map[string]string{"marketId": marketID, "cartPhysicalId": cartPhysicalID}, &out)
	return out, err
}

func (a *API) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutLink, error) {
	var out CheckoutLink
	err := a.do(ctx, http.MethodPost, "/api/checkout", nil, req, &out)
	return out, err
}

func (a *API) History(ctx context.Context, limit int) ([]domain.HistoryRecord, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []domain.HistoryRecord
	err := a.do(ctx, http.MethodGet, "/history", q, nil, &out)
	return out, err
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := a.baseURL.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request failed: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrConnection, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = string(bytes.TrimSpace(data))
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response failed: %w", path, err)
	}
	return nil
}

// IsAPICode reports whether err is an APIError with the given code.
func IsAPICode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
