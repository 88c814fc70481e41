package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-webhooks/pkg/store"
)

func TestResolve(t *testing.T) {
	repo := store.NewMemoryRepository()
	addEndpoint(t, repo, "all", "https://all", "", true, "*")
	addEndpoint(t, repo, "created", "https://created", "", true, "product.created")
	addEndpoint(t, repo, "inactive", "https://inactive", "", false, "*")
	resolver := NewResolver(repo)

	matched, err := resolver.Resolve(context.Background(), "product.created")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"all", "created"}, endpointIDs(matched))

	matched, err = resolver.Resolve(context.Background(), "product.updated")
	require.NoError(t, err)
	assert.Equal(t, []string{"all"}, endpointIDs(matched))
}

func TestResolve_NoSubscribers(t *testing.T) {
	matched, err := NewResolver(store.NewMemoryRepository()).Resolve(context.Background(), "order.created")
	assert.NoError(t, err)
	assert.Empty(t, matched)
}

func TestResolve_QueryError(t *testing.T) {
	resolver := NewResolver(&flakyStore{MemoryRepository: store.NewMemoryRepository(), failFind: true})
	_, err := resolver.Resolve(context.Background(), "order.created")
	assert.ErrorIs(t, err, errStoreDown)
}

func endpointIDs(endpoints []store.WebhookEndpoint) []string {
	ids := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		ids = append(ids, endpoint.ID)
	}
	return ids
}
