package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/oagudo/signup-outbox/consumer"
)

func TestRelayCounters(t *testing.T) {
	m := NewRelay(NewRegistry())

	m.Tick()
	m.Claimed()
	m.Claimed()
	m.Sent()
	m.Failed()
	m.StoreError()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClaimedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrorsTotal))
}

func TestConsumerCountsByOutcome(t *testing.T) {
	m := NewConsumer(NewRegistry())

	m.Observe(consumer.OutcomeApplied)
	m.Observe(consumer.OutcomeSkipped)
	m.Observe(consumer.OutcomeSkipped)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("applied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("poison")))
}
