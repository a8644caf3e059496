package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/logging"
)

// MessageType is the type of an event stream frame.
type MessageType string

const (
	// Server to client.
	MessageTypeEvent      MessageType = "event"
	MessageTypePong       MessageType = "pong"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"

	// Client to server.
	MessageTypePing      MessageType = "ping"
	MessageTypeSubscribe MessageType = "subscribe"
)

// Message is an event stream frame.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func frame(t MessageType, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	data, _ := json.Marshal(Message{Type: t, Payload: raw})
	return data
}

// MessageHandler handles one client frame.
type MessageHandler func(*Session, json.RawMessage)

// Router dispatches client frames by type.
type Router struct {
	mu       sync.RWMutex
	handlers map[MessageType]MessageHandler
	log      *slog.Logger
}

// NewRouter creates a router that answers pings and subscription changes.
func NewRouter() *Router {
	r := &Router{
		handlers: make(map[MessageType]MessageHandler),
		log:      logging.WithComponent("gateway.router"),
	}
	r.Register(MessageTypePing, handlePing)
	r.Register(MessageTypeSubscribe, handleSubscribe)
	return r
}

// Register sets the handler for a message type, replacing any previous one.
func (r *Router) Register(msgType MessageType, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = handler
}

// HandleMessage routes a client frame. Malformed frames and unknown types
// get an error frame back.
func (r *Router) HandleMessage(session *Session, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Debug("Malformed client frame", slog.Any("error", err))
		r.reply(session, frame(MessageTypeError, errorResponse{Error: "malformed frame"}))
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		r.reply(session, frame(MessageTypeError, errorResponse{Error: "unknown message type " + string(msg.Type)}))
		return
	}
	handler(session, msg.Payload)
}

func (r *Router) reply(session *Session, data []byte) {
	if session != nil {
		_ = session.Send(data)
	}
}

func handlePing(session *Session, payload json.RawMessage) {
	session.touch()
	_ = session.Send(frame(MessageTypePong, payload))
}

func handleSubscribe(session *Session, payload json.RawMessage) {
	var f Filter
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &f); err != nil {
			_ = session.Send(frame(MessageTypeError, errorResponse{Error: "invalid filter"}))
			return
		}
	}
	for _, t := range f.Events {
		if !knownEvent(t) {
			_ = session.Send(frame(MessageTypeError, errorResponse{Error: "unknown event " + string(t)}))
			return
		}
	}
	session.Subscribe(f)
	_ = session.Send(frame(MessageTypeSubscribed, f))
}

func knownEvent(t durable.EventType) bool {
	switch t {
	case durable.EventStarted, durable.EventSuspended, durable.EventResumed, durable.EventRetrying,
		durable.EventCompleted, durable.EventRejected, durable.EventFailed:
		return true
	}
	return false
}
