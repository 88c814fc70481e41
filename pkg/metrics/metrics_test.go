package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDefault_Idempotent(t *testing.T) {
	RegisterDefault()
	RegisterDefault()

	WebhookDeliveries.WithLabelValues("order.created", "2xx").Inc()

	families, err := Registry.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["webhook_deliveries_total"])
	assert.True(t, names["go_goroutines"])
	assert.GreaterOrEqual(t, testutil.ToFloat64(WebhookDeliveries.WithLabelValues("order.created", "2xx")), float64(1))
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "network_error", StatusLabel(0))
	assert.Equal(t, "2xx", StatusLabel(204))
	assert.Equal(t, "4xx", StatusLabel(404))
	assert.Equal(t, "5xx", StatusLabel(503))
	assert.Equal(t, "other", StatusLabel(302))
}
