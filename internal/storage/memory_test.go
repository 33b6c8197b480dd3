package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaelfvalim/api-rele/internal/relay"
	"github.com/rafaelfvalim/api-rele/internal/schedule"
)

func seedRelay(t *testing.T, store *MemoryStore, relayID string) {
	t.Helper()
	err := store.SaveRelay(context.Background(), &relay.Relay{
		RelayID:     relayID,
		Name:        relayID,
		Schedule:    schedule.Default(),
		Desired:     schedule.StateOff,
		LastApplied: schedule.StateOff,
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)
}

func TestMemoryStoreSaveAndGet(t *testing.T) {
	store := NewMemoryStore()
	seedRelay(t, store, "rele-1")

	got, err := store.GetRelay(context.Background(), "rele-1")
	require.NoError(t, err)
	assert.Equal(t, "rele-1", got.RelayID)
	assert.Equal(t, schedule.Default(), got.Schedule)

	_, err = store.GetRelay(context.Background(), "missing")
	assert.ErrorIs(t, err, relay.ErrRelayNotFound)
}

func TestMemoryStoreGetByName(t *testing.T) {
	store := NewMemoryStore()
	seedRelay(t, store, "rele-b")
	seedRelay(t, store, "rele-a")

	got, err := store.GetRelayByName(context.Background(), "rele-a")
	require.NoError(t, err)
	assert.Equal(t, "rele-a", got.RelayID)

	_, err = store.GetRelayByName(context.Background(), "missing")
	assert.ErrorIs(t, err, relay.ErrRelayNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	seedRelay(t, store, "rele-1")

	first, err := store.GetRelay(context.Background(), "rele-1")
	require.NoError(t, err)
	first.Desired = schedule.StateOn
	first.Name = "mutated"

	second, err := store.GetRelay(context.Background(), "rele-1")
	require.NoError(t, err)
	assert.Equal(t, schedule.StateOff, second.Desired, "caller mutations must not leak into the store")
	assert.Equal(t, "rele-1", second.Name)
}

func TestMemoryStoreListOrdering(t *testing.T) {
	store := NewMemoryStore()
	seedRelay(t, store, "rele-b")
	seedRelay(t, store, "rele-a")

	relays, err := store.ListRelays(context.Background())
	require.NoError(t, err)
	require.Len(t, relays, 2)
	assert.Equal(t, "rele-a", relays[0].RelayID)
	assert.Equal(t, "rele-b", relays[1].RelayID)
}

func TestMemoryStoreUpdateDesired(t *testing.T) {
	store := NewMemoryStore()
	seedRelay(t, store, "rele-1")

	require.NoError(t, store.UpdateDesired(context.Background(), "rele-1", schedule.StateOn))

	got, err := store.GetRelay(context.Background(), "rele-1")
	require.NoError(t, err)
	assert.Equal(t, schedule.StateOn, got.Desired)

	err = store.UpdateDesired(context.Background(), "missing", schedule.StateOn)
	assert.ErrorIs(t, err, relay.ErrRelayNotFound)
}

func TestMemoryStoreRecordReport(t *testing.T) {
	store := NewMemoryStore()
	seedRelay(t, store, "rele-1")

	reportedAt := time.Now().Truncate(time.Second)
	report := &relay.Report{
		ReportID:   "r-1",
		RelayID:    "rele-1",
		Applied:    schedule.StateOn,
		Source:     "agent-1",
		ReportedAt: reportedAt,
	}
	require.NoError(t, store.RecordReport(context.Background(), report))

	got, err := store.GetRelay(context.Background(), "rele-1")
	require.NoError(t, err)
	assert.Equal(t, schedule.StateOn, got.LastApplied)
	require.NotNil(t, got.LastSeen)
	assert.Equal(t, reportedAt, *got.LastSeen)

	reports := store.Reports("rele-1")
	require.Len(t, reports, 1)
	assert.Equal(t, "r-1", reports[0].ReportID)

	err = store.RecordReport(context.Background(), &relay.Report{RelayID: "missing"})
	assert.ErrorIs(t, err, relay.ErrRelayNotFound)
}

func TestMemoryStoreOverride(t *testing.T) {
	store := NewMemoryStore()
	seedRelay(t, store, "rele-1")

	override := &schedule.Override{State: schedule.StateOn, Until: time.Now().Add(time.Hour)}
	require.NoError(t, store.SetOverride(context.Background(), "rele-1", override))

	got, err := store.GetRelay(context.Background(), "rele-1")
	require.NoError(t, err)
	require.NotNil(t, got.Override)
	assert.Equal(t, schedule.StateOn, got.Override.State)

	require.NoError(t, store.SetOverride(context.Background(), "rele-1", nil))
	got, err = store.GetRelay(context.Background(), "rele-1")
	require.NoError(t, err)
	assert.Nil(t, got.Override)

	err = store.SetOverride(context.Background(), "missing", override)
	assert.ErrorIs(t, err, relay.ErrRelayNotFound)
}
