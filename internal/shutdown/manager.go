// Package shutdown stops long-lived components in reverse registration order
// when the process is asked to exit.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"segview/internal/logger"
)

// DefaultComponentTimeout bounds how long a single component may take to stop.
const DefaultComponentTimeout = 10 * time.Second

// Shutdownable is anything holding goroutines or watches, such as a layer's
// tile workers or a results watcher.
type Shutdownable interface {
	Shutdown()
}

// Func adapts a plain function to Shutdownable.
type Func func()

func (f Func) Shutdown() { f() }

type entry struct {
	name      string
	component Shutdownable
}

type Manager struct {
	components []entry
	logger     logger.Logger
	timeout    time.Duration
	mu         sync.Mutex
	done       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	stopSignal func()
}

func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		logger:  log,
		timeout: DefaultComponentTimeout,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetComponentTimeout changes how long Shutdown waits for each component.
func (m *Manager) SetComponentTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

// Register adds a component. Components registered after Shutdown started are
// stopped immediately.
func (m *Manager) Register(name string, component Shutdownable) {
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		component.Shutdown()
		return
	default:
	}
	m.components = append(m.components, entry{name: name, component: component})
	m.mu.Unlock()
}

// Listen shuts the manager down on SIGINT or SIGTERM.
func (m *Manager) Listen() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	m.mu.Lock()
	m.stopSignal = func() { signal.Stop(sigChan) }
	m.mu.Unlock()

	go func() {
		select {
		case sig := <-sigChan:
			m.logger.Info("ShutdownManager", "shutdown signal received", map[string]interface{}{
				"signal": sig.String(),
			})
			m.Shutdown()
		case <-m.done:
		}
	}()
}

// Shutdown cancels the manager's context and stops every component, newest
// first. Later calls return immediately.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return
	default:
		close(m.done)
	}
	components := m.components
	m.components = nil
	timeout := m.timeout
	stopSignal := m.stopSignal
	m.mu.Unlock()

	if stopSignal != nil {
		stopSignal()
	}

	m.logger.Info("ShutdownManager", "shutdown sequence initiated", map[string]interface{}{
		"components": len(components),
	})

	m.cancel()

	for i := len(components) - 1; i >= 0; i-- {
		if err := stop(components[i].component, timeout); err != nil {
			m.logger.Warning("ShutdownManager", err.Error(), map[string]interface{}{
				"component": components[i].name,
			})
		}
	}

	m.logger.Info("ShutdownManager", "shutdown sequence completed", nil)
}

func stop(component Shutdownable, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		component.Shutdown()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("component shutdown timeout after %s", timeout)
	}
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

func (m *Manager) Done() <-chan struct{} {
	return m.done
}
