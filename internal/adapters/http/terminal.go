package http

import (
	"errors"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse-runner/internal/core/terminal"
)

var errConnReleased = errors.New("websocket connection released")

// TerminalHandler serves the terminal channel over a websocket. Each
// connection is one terminal session; messages are JSON encoded events.
type TerminalHandler struct {
	gateway *terminal.Gateway
	logger  *log.Logger
}

func NewTerminalHandler(gateway *terminal.Gateway, logger *log.Logger) *TerminalHandler {
	return &TerminalHandler{gateway: gateway, logger: logger.WithPrefix("terminal-ws")}
}

// RequireUpgrade rejects plain HTTP requests on the terminal route.
func (h *TerminalHandler) RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Serve returns the websocket handler.
func (h *TerminalHandler) Serve() fiber.Handler {
	return websocket.New(h.serve)
}

func (h *TerminalHandler) serve(conn *websocket.Conn) {
	// Output pumps may outlive the session by one event; writes stop once
	// serve is done with conn.
	var writeMu sync.Mutex
	released := false
	session := h.gateway.Open(terminal.EmitterFunc(func(ev terminal.ServerEvent) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if released {
			return errConnReleased
		}
		return conn.WriteJSON(ev)
	}))
	logger := h.logger.With("session", session.ID(), "remote", conn.RemoteAddr().String())
	logger.Debug("client connected")

	// Unblock the read loop when the session ends on its own, e.g. on
	// shutdown. conn must not be touched after serve returns.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-session.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev terminal.ClientEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", "err", err)
			}
			break
		}
		if err := session.Dispatch(ev); err != nil {
			break
		}
		if ev.Type == terminal.EventDisconnect {
			break
		}
	}

	if err := session.Dispatch(terminal.ClientEvent{Type: terminal.EventDisconnect}); err != nil && !errors.Is(err, terminal.ErrSessionClosed) {
		logger.Warn("dispatch disconnect", "err", err)
	}
	<-session.Done()
	close(stop)
	wg.Wait()

	writeMu.Lock()
	released = true
	writeMu.Unlock()
	logger.Debug("client disconnected")
}
