package status

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/coreshell/internal/manager"
)

// Controls tells front ends which actions are currently available.
type Controls struct {
	Start   bool `json:"start"`
	Stop    bool `json:"stop"`
	Latency bool `json:"latency"`
	Speed   bool `json:"speed"`
}

// Update is one published status.
type Update struct {
	State      manager.RunState `json:"state"`
	Controls   Controls         `json:"controls"`
	Trigger    manager.Trigger  `json:"trigger,omitempty"`
	ConfigPath string           `json:"config_path,omitempty"`
	At         time.Time        `json:"at"`
}

// PreferenceWriter persists the config path of the last successful launch.
type PreferenceWriter interface {
	SaveLastConfig(path string) error
}

// Derive maps a state to control enablement. prev supplies the latency flag
// kept while a transition is underway.
func Derive(state manager.RunState, configSelected bool, prev Controls) Controls {
	switch state {
	case manager.StateStopped:
		return Controls{Start: true, Latency: configSelected}
	case manager.StateRunning:
		return Controls{Stop: true, Speed: true}
	default:
		return Controls{Latency: prev.Latency}
	}
}

// Publisher turns Controller transitions into Updates and delivers them to
// observers in order on its own goroutine, so Publish never blocks.
type Publisher struct {
	mu       sync.Mutex
	current  Update
	selected bool
	pending  []Update
	subs     map[int]func(Update)
	nextID   int
	prefs    PreferenceWriter
	logger   *slog.Logger

	wake     chan struct{}
	done     chan struct{}
	closed   sync.Once
	idle     *sync.Cond
	inFlight bool
}

// New starts a Publisher. prefs may be nil.
func New(prefs PreferenceWriter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		subs:   make(map[int]func(Update)),
		prefs:  prefs,
		logger: logger.With("component", "status"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	p.idle = sync.NewCond(&p.mu)
	p.current = Update{State: manager.StateStopped, Controls: Derive(manager.StateStopped, false, Controls{}), At: time.Now()}
	go p.dispatch()
	return p
}

// Attach subscribes the publisher to a Controller.
func (p *Publisher) Attach(c *manager.Controller) { c.Subscribe(p.Publish) }

// Publish records a transition. Crash-driven transitions map exactly like
// user stops.
func (p *Publisher) Publish(tr manager.Transition) {
	p.mu.Lock()
	u := Update{
		State:      tr.To,
		Controls:   Derive(tr.To, p.selected, p.current.Controls),
		Trigger:    tr.Trigger,
		ConfigPath: tr.ConfigPath,
		At:         time.Now(),
	}
	p.current = u
	p.pending = append(p.pending, u)
	p.mu.Unlock()
	p.signal()
}

// SetConfigSelected updates whether a config is chosen, which gates the
// latency probe while stopped.
func (p *Publisher) SetConfigSelected(selected bool) {
	p.mu.Lock()
	p.selected = selected
	if p.current.State == manager.StateStopped && p.current.Controls.Latency != selected {
		p.current.Controls.Latency = selected
		p.current.At = time.Now()
		p.pending = append(p.pending, p.current)
	}
	p.mu.Unlock()
	p.signal()
}

// Current returns the latest update.
func (p *Publisher) Current() Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe registers fn and returns a func that removes it.
func (p *Publisher) Subscribe(fn func(Update)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Flush blocks until every update published so far was delivered.
func (p *Publisher) Flush() {
	p.mu.Lock()
	for len(p.pending) > 0 || p.inFlight {
		select {
		case <-p.done:
			p.mu.Unlock()
			return
		default:
		}
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// Close stops the dispatcher. Pending updates are dropped.
func (p *Publisher) Close() {
	p.closed.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.idle.Broadcast()
		p.mu.Unlock()
	})
}

func (p *Publisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) dispatch() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			if len(p.pending) == 0 {
				p.idle.Broadcast()
				p.mu.Unlock()
				break
			}
			batch := p.pending
			p.pending = nil
			p.inFlight = true
			subs := make([]func(Update), 0, len(p.subs))
			for id := 0; id < p.nextID; id++ {
				if fn, ok := p.subs[id]; ok {
					subs = append(subs, fn)
				}
			}
			p.mu.Unlock()

			for _, u := range batch {
				if u.State == manager.StateRunning && u.ConfigPath != "" && p.prefs != nil {
					if err := p.prefs.SaveLastConfig(u.ConfigPath); err != nil {
						p.logger.Warn("could not persist last config", "path", u.ConfigPath, "error", err)
					}
				}
				for _, fn := range subs {
					fn(u)
				}
			}

			p.mu.Lock()
			p.inFlight = false
			p.mu.Unlock()
		}
	}
}
