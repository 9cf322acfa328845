package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessBus_DeliversToExactSubscription(t *testing.T) {
	bus := NewInProcessBus(nil)

	var got []string
	bus.Subscribe("billing.credits.granted", func(ctx context.Context, key string, payload []byte) error {
		got = append(got, string(payload))
		return nil
	})

	err := bus.Publish(context.Background(), "billing.credits.granted", []byte(`{"amount":50}`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"amount":50}`, got[0])

	// Unrelated routing key is not delivered.
	err = bus.Publish(context.Background(), "billing.entitlement.consumed", []byte(`{}`))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestInProcessBus_WildcardReceivesEverything(t *testing.T) {
	bus := NewInProcessBus(nil)

	count := 0
	bus.Subscribe("#", func(ctx context.Context, key string, payload []byte) error {
		count++
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), "billing.credits.granted", []byte(`{}`)))
	require.NoError(t, bus.Publish(context.Background(), "billing.subscription.updated", []byte(`{}`)))
	assert.Equal(t, 2, count)
}

func TestInProcessBus_HandlerErrorDoesNotFailPublish(t *testing.T) {
	bus := NewInProcessBus(nil)

	bus.Subscribe("billing.credits.granted", func(ctx context.Context, key string, payload []byte) error {
		return errors.New("consumer blew up")
	})

	err := bus.Publish(context.Background(), "billing.credits.granted", []byte(`{}`))
	require.NoError(t, err)
}
