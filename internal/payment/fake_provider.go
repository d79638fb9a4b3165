package payment

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// FakeProvider issues links that point straight back to the return URL
// as an approved payment. It stands in for the provider in development.
type FakeProvider struct {
	ReturnURL string
}

func (p FakeProvider) CreateLink(_ context.Context, req LinkRequest) (Link, error) {
	if req.Total.IsNegative() || req.Total.IsZero() {
		return Link{}, fmt.Errorf("%w: total must be positive", ErrProviderRejected)
	}
	base := req.ReturnURL
	if base == "" {
		base = p.ReturnURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return Link{}, fmt.Errorf("%w: invalid return url: %v", ErrProviderRejected, err)
	}

	id := uuid.NewString()
	q := u.Query()
	q.Set("cartId", req.CartID)
	q.Set("status", "approved")
	q.Set("payment_id", "fake-"+id)
	u.RawQuery = q.Encode()

	return Link{URL: u.String(), ProviderID: id}, nil
}
