package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// Well-known service names with preset configurations. A [Manager] applies
// the preset when it first provisions a breaker for the service; any other
// name receives the package defaults.
const (
	ServiceAI              = `ai-service`
	ServiceImageGeneration = `image-generation`
	ServiceDatabase        = `database`
	ServiceFilesystem      = `filesystem`
)

type (
	// Manager provisions and tracks one breaker per named service.
	Manager struct {
		clock    Clock
		logger   *logiface.Logger[logiface.Event]
		breakers map[string]*Breaker
		presets  map[string]preset
		mu       sync.Mutex
	}

	// Rollup summarises the health of every provisioned breaker.
	Rollup struct {
		Open     []string `json:"open,omitempty"`
		HalfOpen []string `json:"half_open,omitempty"`
		Total    int      `json:"total"`
		Closed   int      `json:"closed"`
		Healthy  bool     `json:"healthy"`
	}

	// ManagerOption configures a Manager.
	ManagerOption interface {
		applyManager(*managerOptions) error
	}

	managerOptions struct {
		clock   Clock
		logger  *logiface.Logger[logiface.Event]
		presets map[string]preset
	}

	managerOptionImpl struct {
		applyManagerFunc func(*managerOptions) error
	}

	preset struct {
		failureThreshold int
		openTimeout      time.Duration
	}
)

func defaultPresets() map[string]preset {
	return map[string]preset{
		ServiceAI:              {failureThreshold: 2, openTimeout: 30 * time.Second},
		ServiceImageGeneration: {failureThreshold: 3, openTimeout: 2 * time.Minute},
		ServiceDatabase:        {failureThreshold: 2, openTimeout: 10 * time.Second},
		ServiceFilesystem:      {failureThreshold: 1, openTimeout: 15 * time.Second},
	}
}

func (x *managerOptionImpl) applyManager(opts *managerOptions) error {
	return x.applyManagerFunc(opts)
}

// WithManagerClock sets the time source inherited by provisioned breakers.
func WithManagerClock(clock Clock) ManagerOption {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.clock = clock
		return nil
	}}
}

// WithManagerLogger sets the logger inherited by provisioned breakers.
func WithManagerLogger(logger *logiface.Logger[logiface.Event]) ManagerOption {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithServicePreset overrides or adds the preset configuration applied when
// a breaker for the named service is first provisioned.
func WithServicePreset(service string, failureThreshold int, openTimeout time.Duration) ManagerOption {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.presets[service] = preset{failureThreshold: failureThreshold, openTimeout: openTimeout}
		return nil
	}}
}

// NewManager returns an empty manager. Breakers are provisioned on first
// use per service name.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	cfg := &managerOptions{
		clock:   realClock{},
		presets: defaultPresets(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyManager(cfg); err != nil {
			return nil, err
		}
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		presets:  cfg.presets,
		clock:    cfg.clock,
		logger:   cfg.logger,
	}, nil
}

// For returns the breaker for the named service, provisioning it with the
// service preset (or package defaults) on first use.
func (x *Manager) For(service string) *Breaker {
	x.mu.Lock()
	defer x.mu.Unlock()
	if b, ok := x.breakers[service]; ok {
		return b
	}
	cfg := preset{failureThreshold: DefaultFailureThreshold, openTimeout: DefaultOpenTimeout}
	if p, ok := x.presets[service]; ok {
		cfg = p
	}
	b := &Breaker{
		name:             service,
		failureThreshold: cfg.failureThreshold,
		openTimeout:      cfg.openTimeout,
		clock:            x.clock,
		logger:           x.logger,
	}
	x.breakers[service] = b
	return b
}

// Do runs op under the named service's breaker. See [Breaker.Do].
func (x *Manager) Do(ctx context.Context, service string, op func(ctx context.Context) error) error {
	return x.For(service).Do(ctx, op)
}

// Status returns a snapshot of every provisioned breaker, keyed by service.
func (x *Manager) Status() map[string]Status {
	x.mu.Lock()
	breakers := make([]*Breaker, 0, len(x.breakers))
	for _, b := range x.breakers {
		breakers = append(breakers, b)
	}
	x.mu.Unlock()
	out := make(map[string]Status, len(breakers))
	for _, b := range breakers {
		out[b.name] = b.Status()
	}
	return out
}

// Reset resets the named service's breaker, reporting whether it existed.
func (x *Manager) Reset(service string) bool {
	x.mu.Lock()
	b, ok := x.breakers[service]
	x.mu.Unlock()
	if ok {
		b.Reset()
	}
	return ok
}

// ResetAll resets every provisioned breaker and returns how many there were.
func (x *Manager) ResetAll() int {
	x.mu.Lock()
	breakers := make([]*Breaker, 0, len(x.breakers))
	for _, b := range x.breakers {
		breakers = append(breakers, b)
	}
	x.mu.Unlock()
	for _, b := range breakers {
		b.Reset()
	}
	return len(breakers)
}

// Rollup aggregates the state of every provisioned breaker. Healthy is true
// when no breaker is open or half-open.
func (x *Manager) Rollup() Rollup {
	statuses := x.Status()
	rollup := Rollup{Total: len(statuses)}
	for name, s := range statuses {
		switch s.State {
		case Open.String():
			rollup.Open = append(rollup.Open, name)
		case HalfOpen.String():
			rollup.HalfOpen = append(rollup.HalfOpen, name)
		default:
			rollup.Closed++
		}
	}
	sort.Strings(rollup.Open)
	sort.Strings(rollup.HalfOpen)
	rollup.Healthy = len(rollup.Open) == 0 && len(rollup.HalfOpen) == 0
	return rollup
}
