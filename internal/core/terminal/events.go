package terminal

// EventType names a message on the terminal channel.
type EventType string

// Client to server.
const (
	EventSelectContainer EventType = "select-container"
	EventExecute         EventType = "execute"
	EventStartShell      EventType = "start-shell"
	EventInput           EventType = "input"
	EventResize          EventType = "resize"
	EventCloseStream     EventType = "close-stream"
	EventDisconnect      EventType = "disconnect"
)

// Server to client.
const (
	EventContainerSelected EventType = "container-selected"
	EventOutput            EventType = "output"
	EventFinished          EventType = "finished"
	EventShellStarted      EventType = "shell-started"
	EventShellClosed       EventType = "shell-closed"
	EventError             EventType = "error"
)

// ClientEvent is one message received from a terminal client.
type ClientEvent struct {
	Type        EventType `json:"type"`
	ContainerID string    `json:"containerId,omitempty"`
	Command     string    `json:"command,omitempty"`
	Data        string    `json:"data,omitempty"`
	Cols        uint      `json:"cols,omitempty"`
	Rows        uint      `json:"rows,omitempty"`
}

// ServerEvent is one message sent to a terminal client.
type ServerEvent struct {
	Type        EventType `json:"type"`
	Success     bool      `json:"success,omitempty"`
	ContainerID string    `json:"containerId,omitempty"`
	Data        string    `json:"data,omitempty"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	Command     string    `json:"command,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// Emitter delivers server events to one client. Send is never called
// concurrently for the same session.
type Emitter interface {
	Send(ServerEvent) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ServerEvent) error

func (f EmitterFunc) Send(ev ServerEvent) error { return f(ev) }

func errorEvent(msg string) ServerEvent {
	return ServerEvent{Type: EventError, Message: msg}
}
