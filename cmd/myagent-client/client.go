package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"

	"github.com/JasonDZS/myagent-sub001/internal/domain/event"
	"github.com/JasonDZS/myagent-sub001/internal/shared/jsonx"
)

// serverEvent is one decoded server frame.
type serverEvent struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	StepID    string         `json:"step_id"`
	Content   any            `json:"content"`
	Metadata  map[string]any `json:"metadata"`
}

// name strips the configured namespace prefix so handlers can match the
// logical event names.
func (e *serverEvent) name(namespace string) string {
	if namespace != "" && strings.HasPrefix(e.Event, namespace+".") {
		return e.Event[len(namespace)+1:]
	}
	return e.Event
}

type client struct {
	conn      *websocket.Conn
	namespace string
	verbose   bool
	sessionID string
	events    chan *serverEvent
	readErr   chan error
}

func dial(url, namespace string, verbose bool) (*client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &client{
		conn:      conn,
		namespace: namespace,
		verbose:   verbose,
		events:    make(chan *serverEvent, 256),
		readErr:   make(chan error, 1),
	}
	go c.readLoop()

	if err := c.createSession(); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *client) close() {
	_ = c.conn.Close()
}

func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr <- err
			close(c.events)
			return
		}
		var ev serverEvent
		if err := jsonx.Unmarshal(data, &ev); err != nil {
			continue
		}
		c.events <- &ev
	}
}

func (c *client) send(eventName string, content any, stepID string) error {
	frame := map[string]any{"event": eventName}
	if c.sessionID != "" {
		frame["session_id"] = c.sessionID
	}
	if stepID != "" {
		frame["step_id"] = stepID
	}
	if content != nil {
		frame["content"] = content
	}
	data, err := jsonx.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// createSession performs the create_session handshake and records the
// allocated session id.
func (c *client) createSession() error {
	if err := c.send(event.UserCreateSession, nil, ""); err != nil {
		return err
	}
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return fmt.Errorf("connection closed during handshake")
			}
			switch ev.name(c.namespace) {
			case event.SystemConnected:
				continue
			case event.AgentSessionCreated:
				c.sessionID = ev.SessionID
				printInfo("session %s", c.sessionID)
				return nil
			case event.SystemError:
				return fmt.Errorf("server rejected session: %v", ev.Content)
			}
		case <-deadline:
			return fmt.Errorf("no session_created within 10s")
		}
	}
}

// repl reads questions and streams each run until its final answer.
func (c *client) repl() error {
	rl, err := readline.New("myagent> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	printInfo("separate tasks with ';' — Ctrl-D exits")
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return nil // EOF
		}
		question := strings.TrimSpace(line)
		if question == "" {
			continue
		}
		if err := c.send(event.UserMessage, map[string]any{"question": question}, ""); err != nil {
			return err
		}
		if err := c.streamRun(); err != nil {
			return err
		}
	}
}

// streamRun consumes events for one run until a terminal event arrives,
// answering confirmation requests along the way.
func (c *client) streamRun() error {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return <-c.readErr
			}
			name := ev.name(c.namespace)
			switch name {
			case event.AgentUserConfirm:
				resp := promptConfirm(ev)
				if err := c.send(event.UserResponse, resp, ev.StepID); err != nil {
					return err
				}
			case event.AgentFinalAnswer:
				renderFinalAnswer(ev.Content)
				return nil
			case event.AgentError:
				printError("%v", ev.Content)
				return nil
			case event.AgentInterrupted:
				printInfo("run interrupted")
				return nil
			default:
				c.printEvent(name, ev)
			}
		case err := <-c.readErr:
			return err
		}
	}
}
