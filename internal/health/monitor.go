package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/metrics"
)

var ErrNotMonitored = errors.New("session not monitored")

// Config tunes a Monitor. At most RetainedSessions stopped sessions keep
// their final snapshot; beyond that the cache's admission policy decides
// which snapshots survive the grace period.
type Config struct {
	SampleInterval   time.Duration
	GracePeriod      time.Duration
	RetainedSessions int
	AlertBuffer      int
	ErrorRateWarn    float64
	ErrorRateCrit    float64
	UtilizationWarn  float64
	UtilizationCrit  float64
	LatencyWarn      time.Duration
	LatencyCrit      time.Duration
	EfficiencyWarn   float64
	EfficiencyCrit   float64
	QualityFloor     float64
}

func DefaultConfig() Config {
	return Config{
		SampleInterval:   10 * time.Second,
		GracePeriod:      5 * time.Minute,
		RetainedSessions: 1_000,
		AlertBuffer:      256,
		ErrorRateWarn:    10,
		ErrorRateCrit:    25,
		UtilizationWarn:  75,
		UtilizationCrit:  90,
		LatencyWarn:      500 * time.Millisecond,
		LatencyCrit:      time.Second,
		EfficiencyWarn:   70,
		EfficiencyCrit:   50,
		QualityFloor:     50,
	}
}

// UtilizationFunc reports the current mean resource utilization of a
// session's agents, as a percentage.
type UtilizationFunc func() float64

type session struct {
	id          string
	metrics     Metrics
	startedAt   time.Time
	effSamples  int
	latSamples  int
	agentRates  map[string]float64
	utilization UtilizationFunc
	cancel      context.CancelFunc
	done        chan struct{}
}

// Monitor tracks live sessions and keeps the final snapshot of stopped ones
// for the grace period.
type Monitor struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	retained *ristretto.Cache[string, *Snapshot]
	alerts   chan Alert
	dropped  atomic.Uint64
}

func NewMonitor(cfg Config) (*Monitor, error) {
	defaults := DefaultConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaults.SampleInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaults.GracePeriod
	}
	if cfg.AlertBuffer <= 0 {
		cfg.AlertBuffer = defaults.AlertBuffer
	}
	if cfg.RetainedSessions <= 0 {
		cfg.RetainedSessions = defaults.RetainedSessions
	}

	// Each snapshot costs 1, so MaxCost is the retention bound.
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Snapshot]{
		NumCounters:        int64(cfg.RetainedSessions) * 10,
		MaxCost:            int64(cfg.RetainedSessions),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}

	return &Monitor{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*session),
		retained: cache,
		alerts:   make(chan Alert, cfg.AlertBuffer),
	}, nil
}

// Alerts returns the performance alert stream. Alerts are dropped, not
// blocked on, when nobody drains the channel.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alerts
}

func (m *Monitor) GracePeriod() time.Duration {
	return m.cfg.GracePeriod
}

func (m *Monitor) DroppedAlerts() uint64 {
	return m.dropped.Load()
}

// StartMonitoring begins sampling a session. util may be nil.
func (m *Monitor) StartMonitoring(ctx context.Context, sessionID string, util UtilizationFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; ok {
		return domain.Conflict("session %s is already monitored", sessionID)
	}
	m.retained.Del(sessionID)

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:          sessionID,
		metrics:     neutralMetrics(),
		startedAt:   m.now(),
		agentRates:  make(map[string]float64),
		utilization: util,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	m.sessions[sessionID] = s
	go m.sampleLoop(ctx, s)

	slog.Info("health monitoring started", "session_id", sessionID)
	return nil
}

// StopMonitoring halts sampling and retains the final snapshot for the
// grace period. Unknown or already stopped sessions are a no-op.
func (m *Monitor) StopMonitoring(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	final := m.snapshotLocked(s)
	final.State = StateStopped
	if !m.retained.SetWithTTL(sessionID, final, 1, m.cfg.GracePeriod) {
		slog.Warn("final health snapshot was not retained", "session_id", sessionID)
	}
	m.retained.Wait()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	s.cancel()
	<-s.done
	metrics.DeleteSessionHealth(sessionID)

	slog.Info("health monitoring stopped", "session_id", sessionID, "overall", final.Overall)
}

// State reports where a session is in the monitoring lifecycle. A session
// whose retained snapshot has been evicted reads as uninitialized.
func (m *Monitor) State(sessionID string) State {
	m.mu.Lock()
	_, live := m.sessions[sessionID]
	m.mu.Unlock()
	if live {
		return StateMonitoring
	}
	if _, ok := m.retained.Get(sessionID); ok {
		return StateStopped
	}
	return StateUninitialized
}

// Snapshot returns the live view of a monitored session, or the retained
// final snapshot of a recently stopped one.
func (m *Monitor) Snapshot(sessionID string) (*Snapshot, error) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		snap := m.snapshotLocked(s)
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	if snap, ok := m.retained.Get(sessionID); ok {
		c := *snap
		c.Components = append([]Component(nil), snap.Components...)
		c.Recommendations = append([]string(nil), snap.Recommendations...)
		return &c, nil
	}
	return nil, domain.Wrap(domain.CodeNotFound, ErrNotMonitored, "session %s", sessionID)
}

func (m *Monitor) RecordTaskCompletion(sessionID string, sample TaskSample) error {
	var alerts []Alert

	err := m.withSession(sessionID, func(s *session) {
		mt := &s.metrics
		if sample.Success {
			mt.TasksCompleted++
		} else {
			mt.TasksFailed++
		}
		total := mt.TasksCompleted + mt.TasksFailed
		mt.ErrorRate = float64(mt.TasksFailed) / float64(total) * 100

		if sample.Estimated > 0 && sample.Duration > 0 {
			s.effSamples++
			eff := min(100, float64(sample.Estimated)/float64(sample.Duration)*100)
			mt.Efficiency += (eff - mt.Efficiency) / float64(s.effSamples)
		}
		m.refreshThroughput(s)

		if mt.ErrorRate > m.cfg.ErrorRateWarn {
			alerts = append(alerts, m.alert(s, AlertHighErrorRate, mt.ErrorRate, m.cfg.ErrorRateWarn, m.cfg.ErrorRateCrit, false,
				fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", mt.ErrorRate, m.cfg.ErrorRateWarn)))
		}
		if mt.Efficiency < m.cfg.EfficiencyWarn {
			alerts = append(alerts, m.alert(s, AlertLowEfficiency, mt.Efficiency, m.cfg.EfficiencyWarn, m.cfg.EfficiencyCrit, true,
				fmt.Sprintf("efficiency %.1f%% below %.1f%%", mt.Efficiency, m.cfg.EfficiencyWarn)))
		}
	})
	m.emit(alerts)
	return err
}

func (m *Monitor) RecordCommunicationLatency(sessionID string, latency time.Duration) error {
	var alerts []Alert

	err := m.withSession(sessionID, func(s *session) {
		mt := &s.metrics
		s.latSamples++
		mt.CommunicationLatency += (latency - mt.CommunicationLatency) / time.Duration(s.latSamples)

		if mt.CommunicationLatency > m.cfg.LatencyWarn {
			alerts = append(alerts, m.alert(s, AlertHighLatency,
				float64(mt.CommunicationLatency.Milliseconds()),
				float64(m.cfg.LatencyWarn.Milliseconds()),
				float64(m.cfg.LatencyCrit.Milliseconds()), false,
				fmt.Sprintf("communication latency %s exceeds %s", mt.CommunicationLatency, m.cfg.LatencyWarn)))
		}
	})
	m.emit(alerts)
	return err
}

// RecordAgentPerformance folds one agent's latest record into the
// scalability index, the mean success rate across the session's agents.
func (m *Monitor) RecordAgentPerformance(sessionID, agentID string, successRate, quality float64) error {
	var alerts []Alert

	err := m.withSession(sessionID, func(s *session) {
		s.agentRates[agentID] = successRate
		var sum float64
		for _, r := range s.agentRates {
			sum += r
		}
		s.metrics.ScalabilityIndex = sum / float64(len(s.agentRates))

		if quality < m.cfg.QualityFloor {
			a := m.alert(s, AlertLowPerformance, quality, m.cfg.QualityFloor, 0, true,
				fmt.Sprintf("agent %s quality %.1f below %.1f", agentID, quality, m.cfg.QualityFloor))
			alerts = append(alerts, a)
		}
	})
	m.emit(alerts)
	return err
}

// RecordResourceAlert turns a sampled resource breach into a performance
// alert. Values at or above the critical utilization are critical.
func (m *Monitor) RecordResourceAlert(sessionID, agentID, resource string, value, threshold float64) error {
	var alerts []Alert

	err := m.withSession(sessionID, func(s *session) {
		alerts = append(alerts, m.alert(s, AlertResourcePressure, value, threshold, m.cfg.UtilizationCrit, false,
			fmt.Sprintf("agent %s %s at %.1f%% exceeds %.1f%%", agentID, resource, value, threshold)))
	})
	m.emit(alerts)
	return err
}

// Close stops every session and releases the snapshot cache.
func (m *Monitor) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopMonitoring(id)
	}
	m.retained.Close()
}

func (m *Monitor) withSession(sessionID string, fn func(*session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return domain.Wrap(domain.CodeNotFound, ErrNotMonitored, "session %s", sessionID)
	}
	fn(s)
	return nil
}

func (m *Monitor) sampleLoop(ctx context.Context, s *session) {
	defer close(s.done)

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(s)
		}
	}
}

// tick re-derives the sampled metrics and publishes them. The utilization
// source is read outside the monitor lock.
func (m *Monitor) tick(s *session) {
	var util float64
	if s.utilization != nil {
		util = s.utilization()
	}

	m.mu.Lock()
	if _, live := m.sessions[s.id]; !live {
		m.mu.Unlock()
		return
	}
	s.metrics.ResourceUtilization = util
	m.refreshThroughput(s)
	snap := m.snapshotLocked(s)
	m.mu.Unlock()

	metrics.UpdateSessionHealth(s.id, map[string]float64{
		"efficiency":           snap.Metrics.Efficiency,
		"throughput":           snap.Metrics.Throughput,
		"resource_utilization": snap.Metrics.ResourceUtilization,
		"latency_seconds":      snap.Metrics.CommunicationLatency.Seconds(),
		"error_rate":           snap.Metrics.ErrorRate,
		"scalability_index":    snap.Metrics.ScalabilityIndex,
		"overall":              overallValue(snap.Overall),
	})
	if snap.Overall != OverallHealthy {
		slog.Warn("session health", "session_id", s.id, "overall", snap.Overall,
			"recommendations", snap.Recommendations)
	}
}

func (m *Monitor) refreshThroughput(s *session) {
	elapsed := m.now().Sub(s.startedAt).Minutes()
	if elapsed <= 0 {
		return
	}
	s.metrics.Throughput = float64(s.metrics.TasksCompleted) / elapsed
}

func (m *Monitor) snapshotLocked(s *session) *Snapshot {
	components := m.components(s.metrics)
	return &Snapshot{
		SessionID:       s.id,
		State:           StateMonitoring,
		Metrics:         s.metrics,
		Components:      components,
		Overall:         Rollup(components),
		Recommendations: Recommendations(components),
		StartedAt:       s.startedAt,
		TakenAt:         m.now(),
	}
}

func (m *Monitor) components(mt Metrics) []Component {
	latencyMs := float64(mt.CommunicationLatency.Milliseconds())
	return []Component{
		{
			Name:  ComponentTaskExecution,
			Value: mt.ErrorRate,
			Level: above(mt.ErrorRate, m.cfg.ErrorRateWarn, m.cfg.ErrorRateCrit),
		},
		{
			Name:  ComponentResources,
			Value: mt.ResourceUtilization,
			Level: above(mt.ResourceUtilization, m.cfg.UtilizationWarn, m.cfg.UtilizationCrit),
		},
		{
			Name:  ComponentCommunication,
			Value: latencyMs,
			Level: above(latencyMs, float64(m.cfg.LatencyWarn.Milliseconds()), float64(m.cfg.LatencyCrit.Milliseconds())),
		},
		{
			Name:  ComponentEfficiency,
			Value: mt.Efficiency,
			Level: below(mt.Efficiency, m.cfg.EfficiencyWarn, m.cfg.EfficiencyCrit),
		},
	}
}

func above(v, warn, crit float64) Level {
	switch {
	case v >= crit:
		return LevelCritical
	case v >= warn:
		return LevelWarning
	default:
		return LevelHealthy
	}
}

func below(v, warn, crit float64) Level {
	switch {
	case v < crit:
		return LevelCritical
	case v < warn:
		return LevelWarning
	default:
		return LevelHealthy
	}
}

func overallValue(o Overall) float64 {
	switch o {
	case OverallCritical:
		return 2
	case OverallDegraded:
		return 1
	default:
		return 0
	}
}

// alert builds an alert whose severity is critical once value passes crit.
// lowerIsWorse flips the comparison for metrics like efficiency; a zero crit
// never escalates.
func (m *Monitor) alert(s *session, typ AlertType, value, threshold, crit float64, lowerIsWorse bool, msg string) Alert {
	severity := LevelWarning
	if crit != 0 {
		if (!lowerIsWorse && value >= crit) || (lowerIsWorse && value < crit) {
			severity = LevelCritical
		}
	}
	return Alert{
		Type:      typ,
		SessionID: s.id,
		Value:     value,
		Threshold: threshold,
		Message:   msg,
		Severity:  severity,
		At:        m.now(),
	}
}

func (m *Monitor) emit(alerts []Alert) {
	for _, a := range alerts {
		metrics.RecordHealthAlert(string(a.Type), string(a.Severity))
		select {
		case m.alerts <- a:
		default:
			count := m.dropped.Add(1)
			if count%10 == 1 {
				slog.Warn("alert channel full, dropping alert", "dropped", count, "type", a.Type)
			}
		}
	}
}
