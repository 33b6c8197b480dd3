package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rafaelfvalim/api-rele/internal/schedule"
)

const sourceService = "api-rele"

// ErrRelayNotFound indicates the requested relay does not exist.
var ErrRelayNotFound = errors.New("relay not found")

// ErrInvalidState indicates a reported or requested state is not on/off.
var ErrInvalidState = errors.New("invalid relay state")

var (
	reportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_reports_total",
		Help: "Number of applied-state reports recorded, by source.",
	}, []string{"source"})
	desiredFlipsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_desired_flips_total",
		Help: "Number of times a relay's desired state changed value.",
	})
	evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_evaluation_duration_seconds",
		Help:    "Time spent evaluating and persisting desired state.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(reportsTotal, desiredFlipsTotal, evaluationDuration)
}

// Relay is a registered relay and its supervisory state.
type Relay struct {
	RelayID     string             `json:"relay_id"`
	Name        string             `json:"name"`
	Schedule    schedule.Schedule  `json:"schedule"`
	Override    *schedule.Override `json:"override,omitempty"`
	Desired     schedule.State     `json:"desired"`
	LastApplied schedule.State     `json:"last_applied"`
	LastSeen    *time.Time         `json:"last_seen"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Report is one applied-state confirmation from a device.
type Report struct {
	ReportID   string         `json:"report_id"`
	RelayID    string         `json:"relay_id"`
	Applied    schedule.State `json:"applied"`
	Source     string         `json:"source"`
	ReportedAt time.Time      `json:"reported_at"`
}

// RegisterRequest describes a relay to register.
type RegisterRequest struct {
	RelayID  string             `json:"relay_id,omitempty"`
	Name     string             `json:"name"`
	Schedule *schedule.Schedule `json:"schedule,omitempty"`
}

// Publisher is the event bus contract required by the service.
type Publisher interface {
	ProduceEvent(ctx context.Context, topic string, key string, event interface{}) error
}

// Store is the persistence contract required by the service.
type Store interface {
	SaveRelay(ctx context.Context, relay *Relay) error
	GetRelay(ctx context.Context, relayID string) (*Relay, error)
	GetRelayByName(ctx context.Context, name string) (*Relay, error)
	ListRelays(ctx context.Context) ([]*Relay, error)
	UpdateDesired(ctx context.Context, relayID string, desired schedule.State) error
	RecordReport(ctx context.Context, report *Report) error
	SetOverride(ctx context.Context, relayID string, override *schedule.Override) error
}

type Service struct {
	store    Store
	producer Publisher
	location *time.Location
	nowFn    func() time.Time
}

type ServiceConfig struct {
	Store    Store
	Producer Publisher
	Location *time.Location
}

func NewService(cfg ServiceConfig) *Service {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		store:    cfg.Store,
		producer: cfg.Producer,
		location: loc,
		nowFn:    time.Now,
	}
}

// RegisterRelay registers a relay, falling back to the default schedule
// when none is given. Re-registering an existing relay ID or name
// returns the stored record unchanged.
func (s *Service) RegisterRelay(ctx context.Context, req RegisterRequest) (*Relay, error) {
	if req.RelayID != "" {
		existing, err := s.store.GetRelay(ctx, req.RelayID)
		if err != nil && !errors.Is(err, ErrRelayNotFound) {
			return nil, fmt.Errorf("failed to check relay existence: %w", err)
		}
		if existing != nil {
			log.Printf("Relay %s already registered, returning existing record", req.RelayID)
			return existing, nil
		}
	}

	if req.Name != "" {
		existing, err := s.store.GetRelayByName(ctx, req.Name)
		if err != nil && !errors.Is(err, ErrRelayNotFound) {
			return nil, fmt.Errorf("failed to check relay name: %w", err)
		}
		if existing != nil {
			log.Printf("Relay named %q already registered as %s, returning existing record", req.Name, existing.RelayID)
			return existing, nil
		}
	}

	relayID := req.RelayID
	if relayID == "" {
		relayID = uuid.New().String()
	}

	sched := schedule.Default()
	if req.Schedule != nil {
		if err := req.Schedule.Validate(); err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
		sched = *req.Schedule
	}

	now := s.nowFn()
	relay := &Relay{
		RelayID:     relayID,
		Name:        req.Name,
		Schedule:    sched,
		Desired:     sched.Evaluate(now.In(s.location)),
		LastApplied: schedule.StateOff,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.SaveRelay(ctx, relay); err != nil {
		return nil, fmt.Errorf("failed to save relay: %w", err)
	}

	event := RelayRegisteredEvent{
		Metadata: s.eventMetadata("relay.registered"),
		RelayID:  relay.RelayID,
		Name:     relay.Name,
		Schedule: relay.Schedule,
	}
	if err := s.publish(ctx, TopicRegistered, relay.RelayID, event); err != nil {
		return nil, err
	}

	log.Printf("Relay %s registered", relay.RelayID)
	return relay, nil
}

// GetRelay returns a relay by ID.
func (s *Service) GetRelay(ctx context.Context, relayID string) (*Relay, error) {
	if relayID == "" {
		return nil, fmt.Errorf("relayID is required")
	}
	return s.store.GetRelay(ctx, relayID)
}

// ListRelays returns all registered relays.
func (s *Service) ListRelays(ctx context.Context) ([]*Relay, error) {
	return s.store.ListRelays(ctx)
}

// DesiredState evaluates the relay's schedule and override, persists the
// result when it changed, and returns the refreshed record. An active
// override takes precedence over the schedule.
func (s *Service) DesiredState(ctx context.Context, relayID string) (*Relay, error) {
	start := time.Now()
	defer func() {
		evaluationDuration.Observe(time.Since(start).Seconds())
	}()

	relay, err := s.store.GetRelay(ctx, relayID)
	if err != nil {
		return nil, err
	}

	now := s.nowFn().In(s.location)

	desired := relay.Schedule.Evaluate(now)
	reason := "schedule"
	if relay.Override.Active(now) {
		desired = relay.Override.State
		reason = "override"
	}

	if desired != relay.Desired {
		previous := relay.Desired
		if err := s.store.UpdateDesired(ctx, relayID, desired); err != nil {
			return nil, fmt.Errorf("failed to persist desired state: %w", err)
		}

		event := DesiredChangedEvent{
			Metadata: s.eventMetadata("relay.desired.changed"),
			RelayID:  relayID,
			Previous: previous,
			Desired:  desired,
			Reason:   reason,
		}
		if err := s.publish(ctx, TopicDesiredChanged, relayID, event); err != nil {
			return nil, err
		}

		desiredFlipsTotal.Inc()
		log.Printf("Relay %s desired state %s -> %s (%s)", relayID, previous, desired, reason)
		relay.Desired = desired
	}

	return relay, nil
}

// ReportApplied records an applied-state confirmation from a device and
// returns the relay's current desired state.
func (s *Service) ReportApplied(ctx context.Context, relayID, applied, source string) (*Relay, error) {
	state, err := schedule.ParseState(applied)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	relay, err := s.store.GetRelay(ctx, relayID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ReportID:   uuid.New().String(),
		RelayID:    relayID,
		Applied:    state,
		Source:     source,
		ReportedAt: s.nowFn().Truncate(time.Second),
	}

	if err := s.store.RecordReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to record report: %w", err)
	}

	event := ReportRecordedEvent{
		Metadata:   s.eventMetadata("relay.report.recorded"),
		RelayID:    relayID,
		ReportID:   report.ReportID,
		Applied:    state,
		Desired:    relay.Desired,
		Source:     source,
		ReportedAt: report.ReportedAt,
	}
	if err := s.publish(ctx, TopicReportRecorded, relayID, event); err != nil {
		return nil, err
	}

	reportsTotal.WithLabelValues(source).Inc()

	relay.LastApplied = state
	relay.LastSeen = &report.ReportedAt
	return relay, nil
}

// SetOverride pins a relay to a fixed state. A zero ttl pins it until
// the override is cleared.
func (s *Service) SetOverride(ctx context.Context, relayID, state string, ttl time.Duration) (*Relay, error) {
	parsed, err := schedule.ParseState(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	override := &schedule.Override{State: parsed}
	if ttl > 0 {
		override.Until = s.nowFn().Add(ttl)
	}

	if err := s.store.SetOverride(ctx, relayID, override); err != nil {
		return nil, fmt.Errorf("failed to set override: %w", err)
	}

	event := OverrideEvent{
		Metadata: s.eventMetadata("relay.override.set"),
		RelayID:  relayID,
		Action:   "set",
		Override: override,
	}
	if err := s.publish(ctx, TopicOverride, relayID, event); err != nil {
		return nil, err
	}

	log.Printf("Relay %s override set to %s", relayID, parsed)
	return s.DesiredState(ctx, relayID)
}

// ClearOverride removes a relay's manual override.
func (s *Service) ClearOverride(ctx context.Context, relayID string) (*Relay, error) {
	if err := s.store.SetOverride(ctx, relayID, nil); err != nil {
		return nil, fmt.Errorf("failed to clear override: %w", err)
	}

	event := OverrideEvent{
		Metadata: s.eventMetadata("relay.override.cleared"),
		RelayID:  relayID,
		Action:   "cleared",
	}
	if err := s.publish(ctx, TopicOverride, relayID, event); err != nil {
		return nil, err
	}

	log.Printf("Relay %s override cleared", relayID)
	return s.DesiredState(ctx, relayID)
}

// HandleAppliedReport processes applied-state reports arriving over the bus.
func (s *Service) HandleAppliedReport(ctx context.Context, key string, value []byte) error {
	var event RelayAppliedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal applied report: %w", err)
	}

	source := event.AgentID
	if source == "" {
		source = "bus"
	}

	if _, err := s.ReportApplied(ctx, event.RelayID, event.Applied, source); err != nil {
		return fmt.Errorf("failed to apply bus report for relay %s: %w", event.RelayID, err)
	}

	log.Printf("Recorded bus report from %s for relay %s: %s", source, event.RelayID, event.Applied)
	return nil
}

func (s *Service) eventMetadata(eventType string) EventMetadata {
	return EventMetadata{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Timestamp:     s.nowFn(),
		SourceService: sourceService,
		SchemaVersion: 1,
	}
}

func (s *Service) publish(ctx context.Context, topic, key string, event interface{}) error {
	if s.producer == nil {
		return nil
	}
	if err := s.producer.ProduceEvent(ctx, topic, key, event); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", topic, err)
	}
	return nil
}
