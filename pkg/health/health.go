// Package health tracks the state of the stores and upstream the cache
// depends on, so failures absorbed by the cache are still visible.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unisearch/reqcache/pkg/errors"
)

// Well-known component names.
const (
	ComponentDurable  = "durable"
	ComponentSession  = "session"
	ComponentUpstream = "upstream"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates repeated failures that have not yet taken the component down
	StateDegraded

	// StateReadOnly indicates reads still work but writes are being rejected
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON reports.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckFunc probes a component. A nil error counts as a success.
type CheckFunc func(ctx context.Context) error

// ComponentHealth is a snapshot of one component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

type component struct {
	ComponentHealth
	check CheckFunc
}

// Report is the overall state plus every component, sorted by name.
type Report struct {
	Status     HealthState       `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// CheckInterval is the interval for StartHealthChecks
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`

	// CheckTimeout bounds a single probe
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
		CheckTimeout:         5 * time.Second,
	}
}

// Tracker tracks the health of multiple components
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*component
	config     TrackerConfig
	callbacks  []StateChangeCallback
	now        func() time.Time
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = defaults.CheckTimeout
	}
	return &Tracker{
		components: make(map[string]*component),
		config:     config,
		now:        time.Now,
	}
}

// RegisterComponent starts tracking name. check may be nil for components
// that are only fed by RecordSuccess and RecordError.
func (t *Tracker) RegisterComponent(name string, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, exists := t.components[name]; exists {
		c.check = check
		return
	}
	now := t.now()
	t.components[name] = &component{
		ComponentHealth: ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		},
		check: check,
	}
}

// OnStateChange registers a callback for every state transition.
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// RecordSuccess records a successful operation. Each success cancels one
// earlier error; the component is healthy again once none remain.
func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, exists := t.components[name]
	if !exists {
		return
	}

	c.LastHealthCheck = t.now()
	if c.ConsecutiveErrors == 0 {
		return
	}
	c.ConsecutiveErrors--
	if c.ConsecutiveErrors == 0 && c.State != StateHealthy {
		t.transition(c, StateHealthy, nil)
	}
}

// RecordError records a failed operation for a component
func (t *Tracker) RecordError(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, exists := t.components[name]
	if !exists {
		return
	}

	c.LastHealthCheck = t.now()
	c.ConsecutiveErrors++
	if err != nil {
		c.LastErrorMessage = err.Error()
	}

	newState := c.State
	switch {
	case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case c.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	}

	if newState != c.State {
		t.transition(c, newState, err)
	}
}

// GetState returns the state of a component. Unknown components are unavailable.
func (t *Tracker) GetState(name string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, exists := t.components[name]; exists {
		return c.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a snapshot of one component
func (t *Tracker) GetComponentHealth(name string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, exists := t.components[name]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", name)
	}
	return c.ComponentHealth, nil
}

// GetOverallHealth returns the worst state across all components
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// Report returns the overall state and a snapshot of every component.
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Report{Status: StateHealthy, Components: make([]ComponentHealth, 0, len(t.components))}
	for _, c := range t.components {
		r.Components = append(r.Components, c.ComponentHealth)
		if c.State > r.Status {
			r.Status = c.State
		}
	}
	sort.Slice(r.Components, func(i, j int) bool {
		return r.Components[i].Name < r.Components[j].Name
	})
	return r
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(name string) bool {
	return t.GetState(name) == StateHealthy
}

// CanRead returns true if the component can serve reads
func (t *Tracker) CanRead(name string) bool {
	return t.GetState(name) != StateUnavailable
}

// CanWrite returns true if the component can accept writes
func (t *Tracker) CanWrite(name string) bool {
	state := t.GetState(name)
	return state == StateHealthy || state == StateDegraded
}

// transition must be called with the lock held
func (t *Tracker) transition(c *component, newState HealthState, err error) {
	oldState := c.State
	c.State = newState
	c.LastStateChange = t.now()

	if newState == StateHealthy {
		c.ConsecutiveErrors = 0
		c.LastErrorMessage = ""
	}

	for _, cb := range t.callbacks {
		go cb(c.Name, oldState, newState, err)
	}
}

// isWriteError reports failures that leave reads working.
func isWriteError(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeQuotaExceeded, errors.ErrCodeStorageWrite:
		return true
	}
	return false
}

// StartHealthChecks probes every component registered with a CheckFunc
// until ctx is done.
func (t *Tracker) StartHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckNow(ctx)
		}
	}
}

// CheckNow runs every registered probe once.
func (t *Tracker) CheckNow(ctx context.Context) {
	t.mu.RLock()
	checks := make(map[string]CheckFunc, len(t.components))
	for name, c := range t.components {
		if c.check != nil {
			checks[name] = c.check
		}
	}
	t.mu.RUnlock()

	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, t.config.CheckTimeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}
