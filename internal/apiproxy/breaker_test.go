package apiproxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestBreakers_Lifecycle(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBreakers(BreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second, HalfOpenMax: 1}, clk)

	require.NoError(t, b.Allow("m"))
	b.Failure("m")
	b.Failure("m")
	assert.Equal(t, CircuitClosed, b.State("m"))
	assert.Equal(t, CircuitOpen, b.Failure("m"))

	err := b.Allow("m")
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))

	clk.Step(10 * time.Second)
	assert.Equal(t, CircuitHalfOpen, b.State("m"))
	require.NoError(t, b.Allow("m"))
	assert.Error(t, b.Allow("m"), "only one trial while half-open")

	b.Success("m")
	assert.Equal(t, CircuitClosed, b.State("m"))
	require.NoError(t, b.Allow("m"))
}

func TestBreakers_SuccessResetsCount(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Second}, nil)
	b.Failure("x")
	b.Success("x")
	b.Failure("x")
	assert.Equal(t, CircuitClosed, b.State("x"))
	assert.Equal(t, "closed", b.State("x").String())
}

func TestBreakers_DisabledThreshold(t *testing.T) {
	b := NewBreakers(BreakerConfig{}, nil)
	for i := 0; i < 50; i++ {
		b.Failure("y")
	}
	assert.NoError(t, b.Allow("y"))
}
