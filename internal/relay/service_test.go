package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaelfvalim/api-rele/internal/schedule"
)

// fakeStore is a minimal in-memory Store for service tests.
type fakeStore struct {
	relays  map[string]*Relay
	reports []*Report
}

func newFakeStore() *fakeStore {
	return &fakeStore{relays: make(map[string]*Relay)}
}

func (f *fakeStore) SaveRelay(ctx context.Context, r *Relay) error {
	clone := *r
	f.relays[r.RelayID] = &clone
	return nil
}

func (f *fakeStore) GetRelay(ctx context.Context, relayID string) (*Relay, error) {
	r, ok := f.relays[relayID]
	if !ok {
		return nil, ErrRelayNotFound
	}
	clone := *r
	return &clone, nil
}

func (f *fakeStore) GetRelayByName(ctx context.Context, name string) (*Relay, error) {
	var found *Relay
	for _, r := range f.relays {
		if r.Name != name {
			continue
		}
		if found == nil || r.RelayID < found.RelayID {
			found = r
		}
	}
	if found == nil {
		return nil, ErrRelayNotFound
	}
	clone := *found
	return &clone, nil
}

func (f *fakeStore) ListRelays(ctx context.Context) ([]*Relay, error) {
	relays := make([]*Relay, 0, len(f.relays))
	for _, r := range f.relays {
		clone := *r
		relays = append(relays, &clone)
	}
	return relays, nil
}

func (f *fakeStore) UpdateDesired(ctx context.Context, relayID string, desired schedule.State) error {
	r, ok := f.relays[relayID]
	if !ok {
		return ErrRelayNotFound
	}
	r.Desired = desired
	return nil
}

func (f *fakeStore) RecordReport(ctx context.Context, report *Report) error {
	r, ok := f.relays[report.RelayID]
	if !ok {
		return ErrRelayNotFound
	}
	f.reports = append(f.reports, report)
	reportedAt := report.ReportedAt
	r.LastApplied = report.Applied
	r.LastSeen = &reportedAt
	return nil
}

func (f *fakeStore) SetOverride(ctx context.Context, relayID string, override *schedule.Override) error {
	r, ok := f.relays[relayID]
	if !ok {
		return ErrRelayNotFound
	}
	r.Override = override
	return nil
}

type publishedEvent struct {
	Topic string
	Key   string
	Event interface{}
}

// capturingPublisher records produced events instead of hitting Kafka.
type capturingPublisher struct {
	events []publishedEvent
}

func (p *capturingPublisher) ProduceEvent(ctx context.Context, topic, key string, event interface{}) error {
	p.events = append(p.events, publishedEvent{Topic: topic, Key: key, Event: event})
	return nil
}

func (p *capturingPublisher) topics() []string {
	topics := make([]string, 0, len(p.events))
	for _, e := range p.events {
		topics = append(topics, e.Topic)
	}
	return topics
}

func newTestService(t *testing.T, now time.Time) (*Service, *fakeStore, *capturingPublisher) {
	t.Helper()
	store := newFakeStore()
	publisher := &capturingPublisher{}
	svc := NewService(ServiceConfig{
		Store:    store,
		Producer: publisher,
		Location: time.UTC,
	})
	svc.nowFn = func() time.Time { return now }
	return svc, store, publisher
}

// noon falls inside the default 08:00-20:00 window.
var noon = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

// night falls outside it.
var night = time.Date(2025, 6, 2, 22, 30, 0, 0, time.UTC)

func TestRegisterRelayDefaults(t *testing.T) {
	svc, _, publisher := newTestService(t, noon)

	rel, err := svc.RegisterRelay(context.Background(), RegisterRequest{Name: "garden pump"})
	require.NoError(t, err)

	assert.NotEmpty(t, rel.RelayID)
	assert.Equal(t, "garden pump", rel.Name)
	assert.Equal(t, schedule.Default(), rel.Schedule)
	assert.Equal(t, schedule.StateOn, rel.Desired, "noon is inside the default window")
	assert.Equal(t, schedule.StateOff, rel.LastApplied)
	assert.Nil(t, rel.LastSeen)
	assert.Equal(t, []string{TopicRegistered}, publisher.topics())
}

func TestRegisterRelayIdempotent(t *testing.T) {
	svc, _, publisher := newTestService(t, noon)

	first, err := svc.RegisterRelay(context.Background(), RegisterRequest{RelayID: "rele-1", Name: "a"})
	require.NoError(t, err)

	second, err := svc.RegisterRelay(context.Background(), RegisterRequest{RelayID: "rele-1", Name: "b"})
	require.NoError(t, err)

	assert.Equal(t, first.RelayID, second.RelayID)
	assert.Equal(t, "a", second.Name, "re-registration must not overwrite the record")
	assert.Len(t, publisher.events, 1, "only the first registration publishes an event")
}

func TestDesiredStateHonorsLocation(t *testing.T) {
	tests := []struct {
		name     string
		location *time.Location
		now      time.Time
		want     schedule.State
	}{
		{
			name:     "noon UTC is late evening in UTC-14",
			location: time.FixedZone("UTC-14", -14*3600),
			now:      noon,
			want:     schedule.StateOff,
		},
		{
			name:     "night UTC is midday in UTC-10",
			location: time.FixedZone("UTC-10", -10*3600),
			now:      night,
			want:     schedule.StateOn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(ServiceConfig{
				Store:    newFakeStore(),
				Location: tt.location,
			})
			svc.nowFn = func() time.Time { return tt.now }

			_, err := svc.RegisterRelay(context.Background(), RegisterRequest{RelayID: "rele-1"})
			require.NoError(t, err)

			rel, err := svc.DesiredState(context.Background(), "rele-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, rel.Desired, "the default window tracks the configured timezone")
		})
	}
}

func TestRegisterRelayDuplicateName(t *testing.T) {
	svc, _, publisher := newTestService(t, noon)

	first, err := svc.RegisterRelay(context.Background(), RegisterRequest{Name: "pump"})
	require.NoError(t, err)

	second, err := svc.RegisterRelay(context.Background(), RegisterRequest{Name: "pump"})
	require.NoError(t, err)

	assert.Equal(t, first.RelayID, second.RelayID, "same name resolves to the same relay")
	assert.Len(t, publisher.events, 1, "only the first registration publishes an event")
}

func TestRegisterRelayRejectsInvalidSchedule(t *testing.T) {
	svc, _, _ := newTestService(t, noon)

	bad := schedule.Schedule{Windows: []schedule.Window{{Start: "8am", End: "20:00"}}}
	_, err := svc.RegisterRelay(context.Background(), RegisterRequest{Schedule: &bad})
	assert.Error(t, err)
}

func TestDesiredStateFollowsSchedule(t *testing.T) {
	svc, _, publisher := newTestService(t, noon)

	rel, err := svc.RegisterRelay(context.Background(), RegisterRequest{RelayID: "rele-1"})
	require.NoError(t, err)
	require.Equal(t, schedule.StateOn, rel.Desired)

	// Still inside the window: no flip, no event.
	rel, err = svc.DesiredState(context.Background(), "rele-1")
	require.NoError(t, err)
	assert.Equal(t, schedule.StateOn, rel.Desired)
	assert.Equal(t, []string{TopicRegistered}, publisher.topics())

	// Move past the window end: flips to off and publishes the change.
	svc.nowFn = func() time.Time { return night }
	rel, err = svc.DesiredState(context.Background(), "rele-1")
	require.NoError(t, err)
	assert.Equal(t, schedule.StateOff, rel.Desired)
	assert.Equal(t, []string{TopicRegistered, TopicDesiredChanged}, publisher.topics())

	change, ok := publisher.events[1].Event.(DesiredChangedEvent)
	require.True(t, ok)
	assert.Equal(t, schedule.StateOn, change.Previous)
	assert.Equal(t, schedule.StateOff, change.Desired)
	assert.Equal(t, "schedule", change.Reason)
}

func TestDesiredStateUnknownRelay(t *testing.T) {
	svc, _, _ := newTestService(t, noon)

	_, err := svc.DesiredState(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRelayNotFound)
}

func TestOverrideTakesPrecedence(t *testing.T) {
	svc, _, publisher := newTestService(t, noon)

	_, err := svc.RegisterRelay(context.Background(), RegisterRequest{RelayID: "rele-1"})
	require.NoError(t, err)

	rel, err := svc.SetOverride(context.Background(), "rele-1", "off", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, schedule.StateOff, rel.Desired, "override wins over the schedule")

	assert.Contains(t, publisher.topics(), TopicOverride)
	assert.Contains(t, publisher.topics(), TopicDesiredChanged)

	// Once the override expires the schedule applies again.
	svc.nowFn = func() time.Time { return noon.Add(2 * time.Hour) }
	rel, err = svc.DesiredState(context.Background(), "rele-1")
	require.NoError(t, err)
	assert.Equal(t, schedule.StateOn, rel.Desired)
}

func TestClearOverride(t *testing.T) {
	svc, store, _ := newTestService(t, noon)

	_, err := svc.RegisterRelay(context.Background(), RegisterRequest{RelayID: "rele-1"})
	require.NoError(t, err)

	_, err = svc.SetOverride(context.Background(), "rele-1", "off", 0)
	require.NoError(t, err)

	rel, err := svc.ClearOverride(context.Background(), "rele-1")
	require.NoError(t, err)
	assert.Equal(t, schedule.StateOn, rel.Desired)

	stored, err := store.GetRelay(context.Background(), "rele-1")
	require.NoError(t, err)
	assert.Nil(t, stored.Override)
}

func TestSetOverrideRejectsInvalidState(t *testing.T) {
	svc, _, _ := newTestService(t, noon)

	_, err := svc.RegisterRelay(context.Background(), RegisterRequest{RelayID: "rele-1"})
	require.NoError(t, err)

	_, err = svc.SetOverride(context.Background(), "rele-1", "dimmed", 0)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReportApplied(t *testing.T) {
	svc, store, publisher := newTestService(t, noon)

	_, err := svc.RegisterRelay(context.Background(), RegisterRequest{RelayID: "rele-1"})
	require.NoError(t, err)

	rel, err := svc.ReportApplied(context.Background(), "rele-1", "on", "agent-1")
	require.NoError(t, err)

	assert.Equal(t, schedule.StateOn, rel.LastApplied)
	require.NotNil(t, rel.LastSeen)
	assert.Equal(t, noon.Truncate(time.Second), *rel.LastSeen)
	assert.Equal(t, schedule.StateOn, rel.Desired)

	require.Len(t, store.reports, 1)
	assert.Equal(t, "agent-1", store.reports[0].Source)
	assert.Contains(t, publisher.topics(), TopicReportRecorded)
}

func TestReportAppliedInvalidState(t *testing.T) {
	svc, store, _ := newTestService(t, noon)

	_, err := svc.RegisterRelay(context.Background(), RegisterRequest{RelayID: "rele-1"})
	require.NoError(t, err)

	for _, bad := range []string{"", "ON", "toggle"} {
		_, err := svc.ReportApplied(context.Background(), "rele-1", bad, "agent-1")
		assert.ErrorIs(t, err, ErrInvalidState, "applied %q should be rejected", bad)
	}
	assert.Empty(t, store.reports)
}

func TestReportAppliedUnknownRelay(t *testing.T) {
	svc, _, _ := newTestService(t, noon)

	_, err := svc.ReportApplied(context.Background(), "missing", "on", "agent-1")
	assert.ErrorIs(t, err, ErrRelayNotFound)
}

func TestHandleAppliedReport(t *testing.T) {
	svc, store, _ := newTestService(t, noon)

	_, err := svc.RegisterRelay(context.Background(), RegisterRequest{RelayID: "rele-1"})
	require.NoError(t, err)

	event := RelayAppliedEvent{
		RelayID: "rele-1",
		Applied: "off",
		AgentID: "esp32-kitchen",
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	require.NoError(t, svc.HandleAppliedReport(context.Background(), "rele-1", payload))

	require.Len(t, store.reports, 1)
	assert.Equal(t, "esp32-kitchen", store.reports[0].Source)
	assert.Equal(t, schedule.StateOff, store.reports[0].Applied)
}

func TestHandleAppliedReportBadPayload(t *testing.T) {
	svc, _, _ := newTestService(t, noon)

	err := svc.HandleAppliedReport(context.Background(), "rele-1", []byte("not json"))
	assert.Error(t, err)
}
