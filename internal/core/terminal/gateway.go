// Package terminal bridges container exec channels to message based client
// connections. Each client gets a Session: a single goroutine that consumes
// the client's events in order, so work within a session is sequential
// while sessions never wait on each other.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.jetify.com/typeid"

	"github.com/melih/lighthouse-runner/internal/core/domain"
	"github.com/melih/lighthouse-runner/internal/core/ports"
)

// ErrSessionClosed is returned when dispatching to a finished session.
var ErrSessionClosed = errors.New("terminal session closed")

// ContainerResolver looks containers up through the lifecycle manager.
type ContainerResolver interface {
	Inspect(ctx context.Context, id string) (domain.ContainerDetail, error)
}

const (
	defaultExitTimeout = 10 * time.Second
	defaultQueueSize   = 64
	outputBufferSize   = 32 * 1024
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithExitTimeout bounds the wait for an exec exit code after its output
// has ended.
func WithExitTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.exitTimeout = d }
}

// Gateway owns the table of live sessions.
type Gateway struct {
	containers  ContainerResolver
	exec        ports.ExecService
	logger      *log.Logger
	exitTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewGateway creates a Gateway. Sessions live until their client
// disconnects or Shutdown is called.
func NewGateway(containers ContainerResolver, exec ports.ExecService, logger *log.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		containers:  containers,
		exec:        exec,
		logger:      logger.WithPrefix("terminal"),
		exitTimeout: defaultExitTimeout,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open starts a session that emits to out.
func (g *Gateway) Open(out Emitter) *Session {
	s := newSession(g, newSessionID(), out)

	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()

	go s.run()
	g.logger.Debug("session opened", "session", s.id)
	return s
}

// Session returns a live session by id.
func (g *Gateway) Session(id string) (*Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) remove(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	g.mu.Unlock()
}

// Shutdown disconnects every session and waits for their streams to be
// closed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()

	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown terminal sessions: %w", ctx.Err())
		}
	}
	return nil
}

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newSessionID() string {
	id, err := generateTypeID("term")
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("term-%d", time.Now().UTC().UnixNano())
}
