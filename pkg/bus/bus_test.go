package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func recv(t *testing.T, ch <-chan Message[string, int]) Message[string, int] {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message[string, int]{}
	}
}

func TestKeyedDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus[string, int](zaptest.NewLogger(t))
	require.NoError(t, b.Start(ctx))
	<-b.Ready()

	a := b.Subscribe(ctx, "a")
	all := b.Subscribe(ctx)

	b.Publish(ctx, "a", 1)
	assert.Equal(t, Message[string, int]{"a", 1}, recv(t, a))
	assert.Equal(t, Message[string, int]{"a", 1}, recv(t, all))

	b.Publish(ctx, "b", 2)
	assert.Equal(t, Message[string, int]{"b", 2}, recv(t, all))
	select {
	case msg := <-a:
		t.Fatalf("unexpected message on keyed subscription: %v", msg)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestPublisherBindsKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus[string, int](zaptest.NewLogger(t))
	require.NoError(t, b.Start(ctx))

	ch := b.Subscribe(ctx, "usb")
	pub := b.CreatePublisher("usb")
	pub(ctx, 42)
	assert.Equal(t, Message[string, int]{"usb", 42}, recv(t, ch))
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus[string, int](zaptest.NewLogger(t))
	require.NoError(t, b.Start(ctx))

	subCtx, subCancel := context.WithCancel(ctx)
	ch := b.Subscribe(subCtx, "a")
	subCancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
