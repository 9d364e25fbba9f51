package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/workflow"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local-first service; the REST surface carries no auth either.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	writeWait          = 10 * time.Second
	defaultIdleTimeout = 5 * time.Minute
)

// clientMessage is what clients send over the socket.
type clientMessage struct {
	Type       string      `json:"type"`
	WorkflowID workflow.ID `json:"workflow_id,omitempty"`
	Since      *int64      `json:"since_sequence,omitempty"`
}

// serverMessage is what the server sends.
type serverMessage struct {
	Type       string          `json:"type"`
	Event      *workflow.Event `json:"event,omitempty"`
	WorkflowID workflow.ID     `json:"workflow_id,omitempty"`
	Count      int             `json:"count,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// wsClient is one WebSocket connection with its subscription scope and
// backfill bookkeeping.
type wsClient struct {
	h    *Handler
	conn *websocket.Conn

	writeMu sync.Mutex

	// minSeq suppresses live duplicates of backfilled events. pending
	// queues live events for workflows whose backfill is still
	// streaming so live deliveries never interleave into the backfill
	// window.
	seqMu   sync.Mutex
	minSeq  map[workflow.ID]int64
	pending map[workflow.ID][]workflow.Event

	idleTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.CatHTTP, "websocket upgrade failed", "error", err)
		return
	}

	idle := h.idleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	c := &wsClient{
		h:           h,
		conn:        conn,
		minSeq:      make(map[workflow.ID]int64),
		pending:     make(map[workflow.ID][]workflow.Event),
		idleTimeout: idle,
		done:        make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.bus.Subscribe(ctx)

	log.SafeGo("ws-writer", func() { c.writeLoop(sub.Events()) })
	log.SafeGo("ws-pinger", func() { c.pingLoop() })

	// Reader runs on the request goroutine; returning tears it all down.
	c.readLoop(ctx, sub)
	c.close()
}

type busScope interface {
	AddWorkflow(workflow.ID)
	RemoveWorkflow(workflow.ID)
	SubscribeAll()
}

func (c *wsClient) readLoop(ctx context.Context, sub busScope) {
	c.resetIdleDeadline()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug(log.CatHTTP, "websocket closed", "error", err)
			}
			return
		}
		c.resetIdleDeadline()

		switch msg.Type {
		case "subscribe":
			if msg.WorkflowID == "" {
				c.sendError("subscribe requires workflow_id")
				continue
			}
			// Scope first so no live event published during backfill is
			// missed; live events queue until the backfill completes and
			// duplicates are suppressed by sequence.
			sub.AddWorkflow(msg.WorkflowID)
			if msg.Since != nil {
				c.beginBackfill(msg.WorkflowID)
				c.backfill(ctx, msg.WorkflowID, *msg.Since)
			}

		case "unsubscribe":
			if msg.WorkflowID == "" {
				c.sendError("unsubscribe requires workflow_id")
				continue
			}
			sub.RemoveWorkflow(msg.WorkflowID)

		case "subscribe_all":
			sub.SubscribeAll()

		case "pong":
			// Deadline already reset above.

		default:
			c.sendError("unknown message type: " + msg.Type)
		}
	}
}

// beginBackfill marks the workflow as backfilling so the writer queues
// its live events instead of sending them.
func (c *wsClient) beginBackfill(id workflow.ID) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	if c.pending[id] == nil {
		c.pending[id] = []workflow.Event{}
	}
}

func (c *wsClient) backfill(ctx context.Context, id workflow.ID, since int64) {
	events, err := c.h.store.ListEvents(ctx, id, since)
	if err != nil {
		c.sendError("backfill failed: " + err.Error())
		c.finishBackfill(id, 0, -1)
		return
	}

	var last int64
	for i := range events {
		ev := events[i]
		if !c.send(serverMessage{Type: "event", Event: &ev}) {
			return
		}
		last = ev.Sequence
	}

	c.finishBackfill(id, last, len(events))
}

// finishBackfill records the dedup floor, acknowledges the backfill,
// and flushes live events queued while it streamed. seqMu stays held
// across the flush so the writer cannot slip a newer live event ahead
// of the queued ones. A negative count means the backfill failed; the
// queue is still flushed but no acknowledgement is sent.
func (c *wsClient) finishBackfill(id workflow.ID, last int64, count int) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if last > c.minSeq[id] {
		c.minSeq[id] = last
	}
	queued := c.pending[id]
	delete(c.pending, id)

	if count >= 0 {
		if !c.send(serverMessage{Type: "backfill_complete", WorkflowID: id, Count: count}) {
			return
		}
	}
	for i := range queued {
		ev := queued[i]
		if ev.Sequence > 0 && ev.Sequence <= c.minSeq[id] {
			continue
		}
		if !c.send(serverMessage{Type: "event", Event: &ev}) {
			return
		}
	}
}

func (c *wsClient) writeLoop(events <-chan workflow.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.close()
				return
			}
			if !c.admitLive(ev) {
				continue
			}
			if !c.send(serverMessage{Type: "event", Event: &ev}) {
				return
			}
		case <-c.done:
			return
		}
	}
}

// admitLive reports whether a live event should be written now. Events
// for a workflow mid-backfill are queued for the flush instead, and
// duplicates of backfilled events are suppressed by sequence.
// Synthesized events carry no sequence and are never suppressed.
func (c *wsClient) admitLive(ev workflow.Event) bool {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if queue, backfilling := c.pending[ev.WorkflowID]; backfilling {
		c.pending[ev.WorkflowID] = append(queue, ev)
		return false
	}
	if ev.Sequence == 0 {
		return true
	}
	return ev.Sequence > c.minSeq[ev.WorkflowID]
}

func (c *wsClient) pingLoop() {
	interval := c.idleTimeout / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.send(serverMessage{Type: "ping"}) {
				return
			}
		case <-c.done:
			return
		}
	}
}

// send writes one message, reporting false when the connection is gone.
func (c *wsClient) send(msg serverMessage) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.close()
		return false
	}
	return true
}

func (c *wsClient) sendError(message string) {
	c.send(serverMessage{Type: "error", Message: message})
}

func (c *wsClient) resetIdleDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
