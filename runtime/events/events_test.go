package events_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/events"
)

func TestBusFansOutToSubscribers(t *testing.T) {
	bus := events.NewBus()
	var got []events.Event
	unregister := bus.Register(events.SubscriberFunc(func(_ context.Context, e events.Event) {
		got = append(got, e)
	}))

	bus.Publish(context.Background(), events.Event{RunID: "run", Type: events.RunStarted})
	require.Len(t, got, 1)
	require.Equal(t, events.RunStarted, got[0].Type)

	unregister()
	bus.Publish(context.Background(), events.Event{RunID: "run", Type: events.RunFinished})
	require.Len(t, got, 1)
}

func TestStoreAppendAssignsID(t *testing.T) {
	store := events.NewStore()
	e := &events.Event{RunID: "run", Type: events.PlanRequested}
	require.NoError(t, store.Append(context.Background(), e))
	require.NotEmpty(t, e.ID)
}

func TestStoreAppendRequiresRunID(t *testing.T) {
	store := events.NewStore()
	err := store.Append(context.Background(), &events.Event{Type: events.PlanRequested})
	require.Error(t, err)
}

func TestStoreListPaginates(t *testing.T) {
	store := events.NewStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, &events.Event{RunID: "run", Type: events.VerificationStarted}))
	}

	page, err := store.List(ctx, "run", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.NotEmpty(t, page.NextCursor)

	page2, err := store.List(ctx, "run", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Events, 2)
	require.NotEmpty(t, page2.NextCursor)

	page3, err := store.List(ctx, "run", page2.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page3.Events, 1)
	require.Empty(t, page3.NextCursor)
}

func TestStoreListUnknownRun(t *testing.T) {
	store := events.NewStore()
	page, err := store.List(context.Background(), "missing", "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Events)
	require.Empty(t, page.NextCursor)
}

func TestStoreListInvalidCursor(t *testing.T) {
	store := events.NewStore()
	_, err := store.List(context.Background(), "run", "not-a-number", 10)
	require.Error(t, err)
}
