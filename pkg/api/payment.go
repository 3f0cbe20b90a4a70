package api

import (
	"context"
	"net/url"

	"github.com/esglens/esglens/pkg/tiers"
)

// PaymentProvider hands out the URL where a user completes payment for
// a tier change. Billing itself stays outside the core: a processor
// integration implements this and settles through its own callback.
type PaymentProvider interface {
	CheckoutURL(ctx context.Context, userID string, tier tiers.Tier) (string, error)
}

// URLTemplateProvider is the null payment integration: it points the
// user at a hosted upgrade page and leaves settlement to the operator.
// Deployments running without a processor grant the tier immediately
// (the subscribe handler does this), so the page is informational.
type URLTemplateProvider struct {
	Base string
}

func (p URLTemplateProvider) CheckoutURL(_ context.Context, userID string, tier tiers.Tier) (string, error) {
	base := p.Base
	if base == "" {
		base = "https://esglens.io/upgrade"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("tier", string(tier.ID))
	q.Set("user", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
