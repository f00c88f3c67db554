package etl

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Manager owns named pipelines and exposes the operator controls: pause
// stops a worker loop, resume relaunches it on the same durable consumer,
// restart does both in one step.
type Manager struct {
	mu        sync.Mutex
	pipelines map[string]*Pipeline
	parent    context.Context
	logger    *log.Logger
}

// NewManager creates a manager. The parent context bounds every pipeline's
// lifetime; cancelling it stops them all.
func NewManager(parent context.Context) *Manager {
	return &Manager{
		pipelines: make(map[string]*Pipeline),
		parent:    parent,
		logger:    log.New(log.Writer(), "[ETL] ", log.LstdFlags),
	}
}

// Add registers and starts a pipeline under its configured name.
func (m *Manager) Add(p *Pipeline) error {
	m.mu.Lock()
	if _, exists := m.pipelines[p.cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("pipeline already registered: %s", p.cfg.Name)
	}
	m.pipelines[p.cfg.Name] = p
	m.mu.Unlock()

	return p.Start(m.parent)
}

func (m *Manager) get(name string) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline: %s", name)
	}
	return p, nil
}

// Pause stops the named pipeline's worker loop. The durable consumer keeps
// its cursor; unconsumed messages wait on the stream.
func (m *Manager) Pause(name string) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}
	p.Stop()
	m.logger.Printf("paused pipeline %s", name)
	return nil
}

// Resume relaunches a paused pipeline from its durable cursor.
func (m *Manager) Resume(name string) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}
	if err := p.Start(m.parent); err != nil {
		return err
	}
	m.logger.Printf("resumed pipeline %s", name)
	return nil
}

// Restart stops and relaunches a pipeline.
func (m *Manager) Restart(name string) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}
	p.Stop()
	if err := p.Start(m.parent); err != nil {
		return err
	}
	m.logger.Printf("restarted pipeline %s", name)
	return nil
}

// Health reports every pipeline's health, keyed by name.
func (m *Manager) Health() map[string]Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Health, len(m.pipelines))
	for name, p := range m.pipelines {
		out[name] = p.Health()
	}
	return out
}

// Names lists registered pipelines in stable order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.pipelines))
	for name := range m.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StopAll stops every pipeline; used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	pipelines := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		pipelines = append(pipelines, p)
	}
	m.mu.Unlock()

	for _, p := range pipelines {
		p.Stop()
	}
}
