package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Sentinel errors for component graph construction.
var (
	// ErrDuplicateComponent indicates two components share a name.
	ErrDuplicateComponent = errors.New("duplicate component")

	// ErrUnknownDependency indicates a component depends on a name never added.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDependencyCycle indicates the dependency graph is not acyclic.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// Component is one unit of the control plane's lifecycle. Start runs in
// dependency order and must not block. Run, when set, is the component's
// long-lived loop and returns when its context is cancelled. Stop runs in
// reverse dependency order after Run has returned.
type Component struct {
	Name      string
	DependsOn []string
	Start     func(ctx context.Context) error
	Run       func(ctx context.Context) error
	Stop      func(ctx context.Context) error
}

// Graph starts and stops components so that every component sees its
// dependencies running.
type Graph struct {
	mu         sync.Mutex
	components map[string]*Component
	added      []string
	running    []*running
	logger     *slog.Logger
}

type running struct {
	c      *Component
	cancel context.CancelFunc
	done   chan error
}

// NewGraph creates an empty Graph.
func NewGraph(logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{components: make(map[string]*Component), logger: logger}
}

// Add registers c. Dependencies are resolved when the graph is ordered, so
// components may be added in any order.
func (g *Graph) Add(c Component) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.Name == "" {
		return fmt.Errorf("component name is required")
	}
	if _, exists := g.components[c.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateComponent, c.Name)
	}
	g.components[c.Name] = &c
	g.added = append(g.added, c.Name)
	return nil
}

// Order returns component names in start order. All reference errors are
// reported together; a cycle is reported with the components caught in it.
func (g *Graph) Order() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order()
}

func (g *Graph) order() ([]string, error) {
	var errs []error
	indegree := make(map[string]int, len(g.components))
	dependents := make(map[string][]string, len(g.components))
	for _, name := range g.added {
		c := g.components[name]
		indegree[name] += 0
		for _, dep := range c.DependsOn {
			if _, ok := g.components[dep]; !ok {
				errs = append(errs, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, name, dep))
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	var ready []string
	for _, name := range g.added {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	order := make([]string, 0, len(g.added))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(g.added) {
		var stuck []string
		for _, name := range g.added {
			if indegree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		slices.Sort(stuck)
		return nil, fmt.Errorf("%w among %v", ErrDependencyCycle, stuck)
	}
	return order, nil
}

// Start starts every component in dependency order. If a component fails to
// start, the ones already started are stopped before the error is returned.
func (g *Graph) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, err := g.order()
	if err != nil {
		return err
	}
	for _, name := range order {
		c := g.components[name]
		if c.Start != nil {
			if err := c.Start(ctx); err != nil {
				g.stopLocked(context.WithoutCancel(ctx))
				return fmt.Errorf("start %s: %w", name, err)
			}
		}
		r := &running{c: c}
		if c.Run != nil {
			runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			r.cancel = cancel
			r.done = make(chan error, 1)
			go func() {
				err := c.Run(runCtx)
				if err != nil && !errors.Is(err, context.Canceled) {
					g.logger.Error("component stopped with error",
						slog.String("component", c.Name),
						slog.String("error", err.Error()),
					)
				}
				r.done <- err
			}()
		}
		g.running = append(g.running, r)
		g.logger.Debug("component started", slog.String("component", name))
	}
	return nil
}

// Stop stops running components in reverse start order, waiting for each
// Run loop to return before stopping its dependencies.
func (g *Graph) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopLocked(ctx)
}

func (g *Graph) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(g.running) - 1; i >= 0; i-- {
		r := g.running[i]
		if r.cancel != nil {
			r.cancel()
			select {
			case <-r.done:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("stop %s: %w", r.c.Name, ctx.Err()))
			}
		}
		if r.c.Stop != nil {
			if err := r.c.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", r.c.Name, err))
			}
		}
		g.logger.Debug("component stopped", slog.String("component", r.c.Name))
	}
	g.running = nil
	return errors.Join(errs...)
}
