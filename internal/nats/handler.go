package nats

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	nc "github.com/nats-io/nats.go"
)

// HandlerCallbacks defines callbacks the handler uses to communicate
// inbound agent heartbeats to the control loop.
type HandlerCallbacks struct {
	OnHeartbeat func(agentName, status string, currentTask int64) error
}

// Handler processes inbound NATS messages and delegates to callbacks.
// The coordination service's only inbound NATS traffic is agent
// heartbeats published by agents that prefer NATS over the HTTP API;
// every other subject this package knows about (task events, fleet
// alerts) is outbound-only, published by Bridge.
type Handler struct {
	client    *Client
	callbacks HandlerCallbacks

	subs   []*nc.Subscription
	subsMu sync.Mutex

	running bool
}

// NewHandler creates a new NATS message handler.
func NewHandler(client *Client, callbacks HandlerCallbacks) *Handler {
	return &Handler{
		client:    client,
		callbacks: callbacks,
		subs:      make([]*nc.Subscription, 0),
	}
}

// Start begins processing inbound NATS messages.
func (h *Handler) Start() error {
	if h.running {
		return fmt.Errorf("handler already running")
	}
	h.running = true

	sub, err := h.client.Subscribe(SubjectAllHeartbeats, h.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	h.addSub(sub)

	log.Printf("[NATS-HANDLER] started, subscribed to %d subjects", len(h.subs))
	return nil
}

// Stop terminates message processing.
func (h *Handler) Stop() {
	if !h.running {
		return
	}

	h.subsMu.Lock()
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.subs = nil
	h.subsMu.Unlock()

	h.running = false
	log.Printf("[NATS-HANDLER] stopped")
}

func (h *Handler) addSub(sub *nc.Subscription) {
	h.subsMu.Lock()
	h.subs = append(h.subs, sub)
	h.subsMu.Unlock()
}

func (h *Handler) handleHeartbeat(msg *Message) {
	var hb HeartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		log.Printf("[NATS-HANDLER] invalid heartbeat message: %v", err)
		return
	}

	if h.callbacks.OnHeartbeat != nil {
		if err := h.callbacks.OnHeartbeat(hb.AgentName, hb.Status, hb.CurrentTask); err != nil {
			log.Printf("[NATS-HANDLER] heartbeat callback error: %v", err)
		}
	}
}
