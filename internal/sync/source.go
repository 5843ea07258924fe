package sync

import (
	"context"
	"fmt"

	"github.com/sprintforge/worksync/internal/clickup"
	"github.com/sprintforge/worksync/internal/store"
)

// ProviderClickUp is the provider key under which upstream credentials are
// stored.
const ProviderClickUp = "CLICKUP"

// IntegrationStore resolves per-organization upstream credentials.
type IntegrationStore interface {
	GetIntegration(ctx context.Context, orgID int64, provider string) (*store.Integration, error)
}

// ClientFactory builds per-organization upstream clients from stored
// credentials. Each job gets its own client carrying that organization's
// access token.
type ClientFactory struct {
	integrations IntegrationStore
	baseURL      string
	clientOpts   []clickup.Option
}

// NewClientFactory creates a factory backed by the given credential store.
// baseURL may be empty to use the upstream default.
func NewClientFactory(integrations IntegrationStore, baseURL string, opts ...clickup.Option) *ClientFactory {
	return &ClientFactory{
		integrations: integrations,
		baseURL:      baseURL,
		clientOpts:   opts,
	}
}

// SourceFor implements SourceFactory.
func (f *ClientFactory) SourceFor(ctx context.Context, orgID int64) (Source, error) {
	integ, err := f.integrations.GetIntegration(ctx, orgID, ProviderClickUp)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials for org %d: %w", orgID, err)
	}
	return clickup.New(f.baseURL, integ.AccessToken, f.clientOpts...), nil
}
