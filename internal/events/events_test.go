package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRunsHandlersInOrder(t *testing.T) {
	d := NewDispatcher()
	var order []string
	d.Subscribe(RequestCompleted, func(ctx context.Context, ev Event) error {
		order = append(order, "first")
		return nil
	})
	d.Subscribe(RequestCompleted, func(ctx context.Context, ev Event) error {
		order = append(order, "second")
		return nil
	})
	d.Subscribe(RequestCancelled, func(ctx context.Context, ev Event) error {
		order = append(order, "other-topic")
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), Event{Topic: RequestCompleted, RequestID: "r1"}))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatchStopsOnFirstError(t *testing.T) {
	d := NewDispatcher()
	boom := errors.New("boom")
	var secondRan bool
	d.Subscribe(ConfirmationResolved, func(ctx context.Context, ev Event) error {
		return boom
	})
	d.Subscribe(ConfirmationResolved, func(ctx context.Context, ev Event) error {
		secondRan = true
		return nil
	})

	err := d.Dispatch(context.Background(), Event{Topic: ConfirmationResolved})
	assert.ErrorIs(t, err, boom)
	assert.False(t, secondRan)
}

func TestDispatchNoSubscribers(t *testing.T) {
	d := NewDispatcher()
	assert.NoError(t, d.Dispatch(context.Background(), Event{Topic: ReviewMutated}))
}
