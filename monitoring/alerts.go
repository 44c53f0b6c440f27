package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabrikit/fabrikit/core"
)

// AlertSeverity is the closed set of alert severities from §3.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "Info"
	SeverityLow      AlertSeverity = "Low"
	SeverityMedium   AlertSeverity = "Medium"
	SeverityHigh     AlertSeverity = "High"
	SeverityCritical AlertSeverity = "Critical"
)

// AlertState is the one-way lifecycle from §3: Active -> Acknowledged ->
// Resolved, or Active -> Resolved directly.
type AlertState string

const (
	AlertActive       AlertState = "Active"
	AlertAcknowledged AlertState = "Acknowledged"
	AlertResolved     AlertState = "Resolved"
)

// Alert is one open or closed alert instance.
type Alert struct {
	ID        string                 `json:"id"`
	RuleID    string                 `json:"rule_id"`
	Severity  AlertSeverity          `json:"severity"`
	State     AlertState             `json:"state"`
	OpenedAt  time.Time              `json:"opened_at"`
	ClosedAt  *time.Time             `json:"closed_at,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Rule is one alert rule, per §4.9: aggregate a metric window into buckets,
// reduce the latest bucket, and apply Predicate to decide whether the rule
// is currently firing.
type Rule struct {
	Name      string
	Kind      SampleKind
	Filter    Filter
	Window    time.Duration
	Bucket    time.Duration
	Reducer   Reducer
	Predicate func(value float64) bool
	Severity  AlertSeverity
	Cooldown  time.Duration
	Enabled   bool
}

// AlertManager is the Alert Manager (C10): it evaluates rules on a fixed
// tick and maintains the Active/Acknowledged/Resolved alert lifecycle,
// deduplicating to at most one Active alert per rule at any instant.
type AlertManager struct {
	store  *Store
	logger core.Logger
	now    func() time.Time

	mu     sync.Mutex
	rules  map[string]*Rule
	active map[string]*Alert // ruleID -> the single Active/Acknowledged alert
	closed []*Alert          // resolved alerts, most recent last

	tickStop chan struct{}
	tickDone chan struct{}
}

// NewAlertManager builds an AlertManager reading from store.
func NewAlertManager(store *Store, logger core.Logger) *AlertManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fabric/monitoring")
	}
	return &AlertManager{
		store:  store,
		logger: logger,
		now:    time.Now,
		rules:  make(map[string]*Rule),
		active: make(map[string]*Alert),
	}
}

// AddRule registers or replaces a rule. Editing severity on an existing
// rule never changes alerts already opened under the old severity (§4.9's
// "severity is a property of the rule, not of the alert").
func (m *AlertManager) AddRule(rule Rule) {
	if rule.Severity == "" {
		rule.Severity = SeverityMedium
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := rule
	m.rules[rule.Name] = &r
}

// RemoveRule deletes a rule by name. Any currently Active alert for it is
// left untouched; it resolves only through the normal predicate-false path
// or an explicit Resolve call.
func (m *AlertManager) RemoveRule(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, name)
}

// Raise opens (or reuses) an alert outside the normal rule-tick path, for
// callers like the Evolver that detect conditions the metrics store
// doesn't model as a time series (HumanInterventionRequested,
// EvolutionRejected). Satisfies evolver.AlertSink.
func (m *AlertManager) Raise(ruleID, severity, message string, details map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.active[ruleID]; exists {
		return
	}
	alert := &Alert{
		ID:       uuid.NewString(),
		RuleID:   ruleID,
		Severity: AlertSeverity(severity),
		State:    AlertActive,
		OpenedAt: m.now(),
		Message:  message,
		Details:  details,
	}
	m.active[ruleID] = alert
	m.logger.Warn("alert opened", map[string]interface{}{
		"operation": "alert_opened",
		"rule":      ruleID,
		"severity":  severity,
	})
}

// Tick evaluates every enabled rule once: aggregates its window, applies
// its predicate to the latest bucket, and opens or resolves an alert
// accordingly. Rule evaluations within a tick are independent of each
// other, per §4.9.
func (m *AlertManager) Tick(ctx context.Context) {
	m.mu.Lock()
	rules := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	m.mu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		m.evaluate(ctx, rule)
	}
}

func (m *AlertManager) evaluate(ctx context.Context, rule *Rule) {
	now := m.now()
	window := Window{From: now.Add(-rule.Window), To: now}
	bucket := rule.Bucket
	if bucket <= 0 {
		bucket = rule.Window
	}

	buckets, err := m.store.Aggregate(ctx, rule.Kind, rule.Filter, window, bucket, rule.Reducer)
	if err != nil {
		m.logger.Warn("alert rule aggregation failed", map[string]interface{}{
			"operation": "alert_eval_failure",
			"rule":      rule.Name,
			"error":     err.Error(),
		})
		return
	}
	var latest float64
	if len(buckets) > 0 {
		latest = buckets[len(buckets)-1].Value
	}

	firing := rule.Predicate != nil && rule.Predicate(latest)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.active[rule.Name]
	switch {
	case firing && existing == nil:
		alert := &Alert{
			ID:       uuid.NewString(),
			RuleID:   rule.Name,
			Severity: rule.Severity,
			State:    AlertActive,
			OpenedAt: now,
			Message:  fmt.Sprintf("rule %s fired: value=%.4f", rule.Name, latest),
			Details:  map[string]interface{}{"value": latest},
		}
		m.active[rule.Name] = alert
		m.logger.Warn("alert opened", map[string]interface{}{
			"operation": "alert_opened",
			"rule":      rule.Name,
			"value":     latest,
		})
	case !firing && existing != nil:
		if now.Sub(existing.OpenedAt) < rule.Cooldown {
			return
		}
		m.resolveLocked(existing, now)
	}
}

func (m *AlertManager) resolveLocked(alert *Alert, at time.Time) {
	alert.State = AlertResolved
	closedAt := at
	alert.ClosedAt = &closedAt
	delete(m.active, alert.RuleID)
	m.closed = append(m.closed, alert)
	m.logger.Info("alert resolved", map[string]interface{}{
		"operation": "alert_resolved",
		"rule":      alert.RuleID,
	})
}

// Active returns every currently Active or Acknowledged alert, sorted by
// OpenedAt ascending.
func (m *AlertManager) Active() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	alerts := make([]*Alert, 0, len(m.active))
	for _, a := range m.active {
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].OpenedAt.Before(alerts[j].OpenedAt) })
	return alerts
}

// Get returns an alert (active or closed) by id.
func (m *AlertManager) Get(id string) (*Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.active {
		if a.ID == id {
			return a, true
		}
	}
	for _, a := range m.closed {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// Acknowledge transitions an Active alert to Acknowledged. It is a no-op
// (not an error) on an alert already Acknowledged, per §8's idempotence
// property; it is a conflict to acknowledge a Resolved alert.
func (m *AlertManager) Acknowledge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.active {
		if a.ID != id {
			continue
		}
		if a.State == AlertAcknowledged {
			return nil
		}
		if a.State != AlertActive {
			return core.ErrAlertConflict
		}
		a.State = AlertAcknowledged
		return nil
	}
	if _, ok := m.findClosed(id); ok {
		return core.ErrAlertConflict
	}
	return core.NewFrameworkError("alerts.Acknowledge", "monitoring", fmt.Errorf("%s: %w", id, core.ErrResolverNotFound))
}

// Resolve transitions an Active or Acknowledged alert to Resolved. It is a
// no-op on an alert already Resolved.
func (m *AlertManager) Resolve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ruleID, a := range m.active {
		if a.ID != id {
			continue
		}
		m.resolveLocked(a, m.now())
		_ = ruleID
		return nil
	}
	if _, ok := m.findClosed(id); ok {
		return nil
	}
	return core.NewFrameworkError("alerts.Resolve", "monitoring", fmt.Errorf("%s: %w", id, core.ErrResolverNotFound))
}

func (m *AlertManager) findClosed(id string) (*Alert, bool) {
	for _, a := range m.closed {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// StartTicking runs Tick every interval until ctx is cancelled.
func (m *AlertManager) StartTicking(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}
