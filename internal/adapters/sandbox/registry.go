// Package sandbox runs tenant tools inside goja JavaScript runtimes. Each
// tenant key owns one runtime with its own tool table, call deadline and
// memory ceiling; tenants never share a runtime.
package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMemoryLimit      = 128 << 20
	DefaultTimeout          = time.Second
	DefaultMaxCallStackSize = 1024
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// Config configures a Registry.
type Config struct {
	// MemoryLimit is the per-call heap growth ceiling in bytes.
	MemoryLimit int64 `yaml:"memory_limit"`

	// Timeout bounds every compile, run and invoke.
	Timeout time.Duration `yaml:"timeout"`

	MaxCallStackSize int `yaml:"max_call_stack_size"`

	// IdleTTL evicts isolates unused for this long. Zero keeps isolates
	// until they are evicted explicitly or the registry is closed.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	Logger *log.Logger `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxCallStackSize <= 0 {
		c.MaxCallStackSize = DefaultMaxCallStackSize
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// Registry implements ports.SandboxService. The registry lock only guards
// the tenant table; calls on different tenants never wait on each other.
type Registry struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	isolates map[string]*isolate
	closed   bool

	// active counts guarded calls across all isolates.
	active atomic.Int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Registry and, when IdleTTL is set, starts its eviction
// sweeper. Call Close to stop it.
func New(cfg Config) *Registry {
	cfg.applyDefaults()
	r := &Registry{
		cfg:      cfg,
		logger:   cfg.Logger.WithPrefix("sandbox"),
		isolates: make(map[string]*isolate),
		stop:     make(chan struct{}),
	}
	if cfg.IdleTTL > 0 {
		r.wg.Add(1)
		go r.sweep()
	}
	return r
}

// Register compiles code as tool toolName for tenantKey, creating the
// tenant's isolate on first use. A tool of the same name is replaced.
func (r *Registry) Register(ctx context.Context, tenantKey, toolName, code string) error {
	if err := checkKeys(tenantKey, toolName); err != nil {
		return err
	}
	if code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidTool)
	}

	iso, err := r.acquire(tenantKey)
	if err != nil {
		return err
	}
	defer iso.pins.Add(-1)

	start := time.Now()
	if err := iso.register(ctx, toolName, Normalize(code)); err != nil {
		r.logger.Warn("tool registration failed", "tenant", tenantKey, "tool", toolName, "err", err)
		return err
	}
	r.logger.Info("tool registered", "tenant", tenantKey, "tool", toolName, "elapsed", time.Since(start))
	return nil
}

// Invoke runs a registered tool with a copy of input and returns a copy of
// its result. A failed call leaves the isolate usable.
func (r *Registry) Invoke(ctx context.Context, tenantKey, toolName string, input any) (any, error) {
	r.mu.Lock()
	iso, ok := r.isolates[tenantKey]
	closed := r.closed
	if ok && !closed {
		iso.pins.Add(1)
	}
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, ErrToolNotFound
	}
	defer iso.pins.Add(-1)

	start := time.Now()
	result, err := iso.invoke(ctx, toolName, input)
	elapsed := time.Since(start)
	if err != nil {
		r.logger.Debug("tool invocation failed", "tenant", tenantKey, "tool", toolName, "elapsed", elapsed, "err", err)
		return nil, err
	}
	r.logger.Debug("tool invoked", "tenant", tenantKey, "tool", toolName, "elapsed", elapsed)
	return result, nil
}

// Tools lists the tool names registered for tenantKey, sorted.
func (r *Registry) Tools(tenantKey string) []string {
	r.mu.Lock()
	iso, ok := r.isolates[tenantKey]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	names := iso.toolNames()
	sort.Strings(names)
	return names
}

// Evict drops the tenant's isolate and all its tools.
func (r *Registry) Evict(tenantKey string) bool {
	r.mu.Lock()
	_, ok := r.isolates[tenantKey]
	delete(r.isolates, tenantKey)
	r.mu.Unlock()
	if ok {
		r.logger.Info("isolate evicted", "tenant", tenantKey)
	}
	return ok
}

// Len reports the number of live isolates.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.isolates)
}

// Close stops the sweeper and drops every isolate.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.isolates = make(map[string]*isolate)
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()
	return nil
}

// acquire returns the tenant's isolate pinned, creating it if needed. The
// caller unpins it when done.
func (r *Registry) acquire(tenantKey string) (*isolate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if iso, ok := r.isolates[tenantKey]; ok {
		iso.pins.Add(1)
		return iso, nil
	}
	iso, err := newIsolate(tenantKey, r.cfg, &r.active)
	if err != nil {
		return nil, fmt.Errorf("create isolate for %s: %w", tenantKey, err)
	}
	iso.pins.Add(1)
	r.isolates[tenantKey] = iso
	r.logger.Info("isolate created", "tenant", tenantKey, "memory_limit", r.cfg.MemoryLimit)
	return iso, nil
}

func (r *Registry) sweep() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.evictIdle(now)
		}
	}
}

func (r *Registry) evictIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, iso := range r.isolates {
		// A busy or pinned isolate is not idle.
		if iso.pins.Load() > 0 || !iso.mu.TryLock() {
			continue
		}
		idle := now.Sub(iso.lastUsed)
		iso.mu.Unlock()
		if idle >= r.cfg.IdleTTL {
			delete(r.isolates, key)
			r.logger.Info("idle isolate evicted", "tenant", key, "idle", idle)
		}
	}
}

func checkKeys(tenantKey, toolName string) error {
	if !keyPattern.MatchString(tenantKey) {
		return fmt.Errorf("%w: invalid tenant key %q", ErrInvalidTool, tenantKey)
	}
	if !keyPattern.MatchString(toolName) {
		return fmt.Errorf("%w: invalid tool name %q", ErrInvalidTool, toolName)
	}
	return nil
}
