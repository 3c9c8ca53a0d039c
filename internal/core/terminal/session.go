package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/melih/lighthouse-runner/internal/core/domain"
	"github.com/melih/lighthouse-runner/internal/core/ports"
)

// State is the position of a session in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateContainerSelected
	StateStreamOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateContainerSelected:
		return "container-selected"
	case StateStreamOpen:
		return "stream-open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Mode distinguishes the two kinds of exec stream.
type Mode string

const (
	ModeOneShot Mode = "oneshot"
	ModeShell   Mode = "shell"
)

// Session is one client connection. Its fields below the channels are only
// touched by the run goroutine.
type Session struct {
	id     string
	gw     *Gateway
	logger *log.Logger

	sendMu sync.Mutex
	out    Emitter

	events chan ClientEvent
	ended  chan streamEnd
	done   chan struct{}
	state  atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	containerID string
	stream      *activeStream
}

type activeStream struct {
	mode    Mode
	command string
	stream  ports.ExecStream
	closed  atomic.Bool
}

type streamEnd struct {
	as       *activeStream
	exitCode int
	err      error
}

func newSession(g *Gateway, id string, out Emitter) *Session {
	ctx, cancel := context.WithCancel(g.ctx)
	s := &Session{
		id:     id,
		gw:     g,
		logger: g.logger.With("session", id),
		out:    out,
		events: make(chan ClientEvent, defaultQueueSize),
		ended:  make(chan streamEnd, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

// ID identifies the session.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Dispatch queues a client event. Events are handled in the order they are
// dispatched.
func (s *Session) Dispatch(ev ClientEvent) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Close disconnects the session and waits until its stream is closed.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)
	defer s.gw.remove(s.id)

	for {
		select {
		case <-s.ctx.Done():
			s.teardown("session cancelled")
			return
		case end := <-s.ended:
			s.finishStream(end)
		case ev := <-s.events:
			if ev.Type == EventDisconnect {
				s.teardown("client disconnected")
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev ClientEvent) {
	switch ev.Type {
	case EventSelectContainer:
		s.selectContainer(ev.ContainerID)
	case EventExecute:
		s.execute(ev.Command)
	case EventStartShell:
		s.startShell()
	case EventInput:
		s.input(ev.Data)
	case EventResize:
		s.resize(ev.Cols, ev.Rows)
	case EventCloseStream:
		s.closeStream()
	default:
		s.send(errorEvent(fmt.Sprintf("unknown event type %q", ev.Type)))
	}
}

func (s *Session) selectContainer(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		s.send(errorEvent("containerId is required"))
		return
	}
	if s.containerID != "" {
		if id == s.containerID {
			s.send(ServerEvent{Type: EventContainerSelected, Success: true, ContainerID: id})
			return
		}
		s.send(errorEvent(fmt.Sprintf("session is bound to container %s", s.containerID)))
		return
	}

	detail, err := s.gw.containers.Inspect(s.ctx, id)
	if err != nil {
		s.logger.Warn("container selection failed", "container", id, "err", err)
		msg := "container lookup failed: " + err.Error()
		if domain.KindOf(err) == domain.KindNotFound {
			msg = fmt.Sprintf("container %s not found", id)
		}
		s.send(errorEvent(msg))
		return
	}

	s.containerID = id
	s.state.Store(int32(StateContainerSelected))
	s.logger.Info("container selected", "container", id, "state", detail.State)
	s.send(ServerEvent{Type: EventContainerSelected, Success: true, ContainerID: id})
}

// ready reports whether a new stream may be opened, emitting the reason
// when it may not.
func (s *Session) ready() bool {
	if s.containerID == "" {
		s.send(errorEvent("no container selected"))
		return false
	}
	if s.stream != nil {
		s.send(errorEvent(fmt.Sprintf("a %s stream is already open; close it first", s.stream.mode)))
		return false
	}
	return true
}

func (s *Session) execute(command string) {
	if !s.ready() {
		return
	}
	if strings.TrimSpace(command) == "" {
		s.send(errorEvent("command is required"))
		return
	}

	stream, err := s.gw.exec.Exec(s.ctx, s.containerID, domain.ExecRequest{Cmd: domain.OneShotCommand(command)})
	if err != nil {
		s.logger.Error("exec failed", "container", s.containerID, "err", err)
		s.send(errorEvent("command execution error: " + err.Error()))
		return
	}
	s.open(&activeStream{mode: ModeOneShot, command: command, stream: stream})
}

func (s *Session) startShell() {
	if !s.ready() {
		return
	}

	stream, err := s.gw.exec.Exec(s.ctx, s.containerID, domain.ExecRequest{
		Cmd:   domain.ShellCommand,
		TTY:   true,
		Stdin: true,
	})
	if err != nil {
		s.logger.Error("shell failed", "container", s.containerID, "err", err)
		s.send(errorEvent("shell start error: " + err.Error()))
		return
	}
	s.open(&activeStream{mode: ModeShell, stream: stream})
	s.send(ServerEvent{Type: EventShellStarted, ContainerID: s.containerID})
}

func (s *Session) open(as *activeStream) {
	s.stream = as
	s.state.Store(int32(StateStreamOpen))
	go s.pump(as)
}

// pump forwards output chunks as they arrive. Chunks are passed through
// without re-framing on line boundaries.
func (s *Session) pump(as *activeStream) {
	buf := make([]byte, outputBufferSize)
	var readErr error
	for {
		n, err := as.stream.Read(buf)
		if n > 0 {
			s.sendOutput(as, string(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	end := streamEnd{as: as, exitCode: -1, err: readErr}
	if as.mode == ModeOneShot && readErr == nil && !as.closed.Load() {
		ctx, cancel := context.WithTimeout(s.ctx, s.gw.exitTimeout)
		end.exitCode, end.err = as.stream.ExitCode(ctx)
		cancel()
	}

	select {
	case s.ended <- end:
	case <-s.done:
	}
}

func (s *Session) finishStream(end streamEnd) {
	if end.as != s.stream {
		// Already closed explicitly.
		return
	}
	s.release("stream ended")

	switch end.as.mode {
	case ModeOneShot:
		if end.err != nil {
			s.send(errorEvent("command execution error: " + end.err.Error()))
		}
		code := end.exitCode
		s.send(ServerEvent{Type: EventFinished, ExitCode: &code, Command: end.as.command})
	case ModeShell:
		if end.err != nil {
			s.logger.Warn("shell stream error", "err", end.err)
		}
		s.send(ServerEvent{Type: EventShellClosed})
	}
}

func (s *Session) input(data string) {
	if s.stream == nil || s.stream.mode != ModeShell {
		s.send(errorEvent("no interactive shell is open"))
		return
	}
	if _, err := io.WriteString(s.stream.stream, data); err != nil {
		s.logger.Warn("shell input write failed", "err", err)
		s.send(errorEvent("shell input error: " + err.Error()))
	}
}

func (s *Session) resize(cols, rows uint) {
	if s.stream == nil || s.stream.mode != ModeShell || cols == 0 || rows == 0 {
		return
	}
	if err := s.stream.stream.Resize(s.ctx, cols, rows); err != nil {
		s.logger.Debug("resize failed", "err", err)
	}
}

// closeStream is the explicit close requested by the client.
func (s *Session) closeStream() {
	if s.stream == nil {
		s.send(errorEvent("no stream is open"))
		return
	}
	as := s.stream
	s.release("closed by client")
	if as.mode == ModeShell {
		s.send(ServerEvent{Type: EventShellClosed})
		return
	}
	code := -1
	s.send(ServerEvent{Type: EventFinished, ExitCode: &code, Command: as.command})
}

// release closes the active stream and returns to ContainerSelected.
// Close errors are logged only.
func (s *Session) release(reason string) {
	as := s.stream
	if as == nil {
		return
	}
	s.stream = nil
	s.state.Store(int32(StateContainerSelected))

	as.closed.Store(true)
	if err := as.stream.Close(); err != nil {
		s.logger.Warn("exec stream close failed", "mode", as.mode, "reason", reason, "err", err)
		return
	}
	s.logger.Debug("exec stream closed", "mode", as.mode, "reason", reason)
}

func (s *Session) teardown(reason string) {
	s.release(reason)
	s.state.Store(int32(StateClosed))
	s.cancel()
	s.logger.Info("session closed", "reason", reason)
}

// sendOutput forwards a chunk unless the stream has been closed. The check
// runs under sendMu, so no chunk follows the event that reported the close.
func (s *Session) sendOutput(as *activeStream, data string) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if as.closed.Load() {
		return
	}
	if err := s.out.Send(ServerEvent{Type: EventOutput, Data: data}); err != nil {
		s.logger.Debug("send failed", "event", EventOutput, "err", err)
	}
}

// send serializes writes to the emitter. A failed send means the client is
// gone; the transport reports the disconnect separately.
func (s *Session) send(ev ServerEvent) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.out.Send(ev); err != nil {
		s.logger.Debug("send failed", "event", ev.Type, "err", err)
	}
}
