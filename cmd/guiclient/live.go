package main

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harrylevesque/qrattend/internal/attendance"
)

// event is one message pushed to the browser over /api/live.
type event struct {
	Event    string   `json:"event"`
	Message  string   `json:"message,omitempty"`
	Phase    string   `json:"phase,omitempty"`
	Display  string   `json:"display,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
	Recent   []string `json:"recent,omitempty"`
}

func stateEvent(st attendance.State) event {
	ev := event{Event: "state", Phase: st.Phase.String(), Degraded: st.Degraded}
	if st.HasSnapshot {
		ev.Display = st.Display()
		for _, a := range st.Snapshot.RecentAttendees {
			ev.Recent = append(ev.Recent, a.Name)
		}
	}
	return ev
}

// clientMessage is what the browser sends back.
type clientMessage struct {
	Event string `json:"event"`
	Stay  bool   `json:"stay"`
}

var upgrader = websocket.Upgrader{
	// The page is served by this process; only accept it.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	},
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// ===== Hub =====

// hub fans session events out to every open socket.
type hub struct {
	mu    sync.Mutex
	next  int
	conns map[int]chan event
}

func newHub() *hub { return &hub{conns: make(map[int]chan event)} }

func (h *hub) join() (<-chan event, func()) {
	ch := make(chan event, 4)
	h.mu.Lock()
	id := h.next
	h.next++
	h.conns[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.conns, id)
		h.mu.Unlock()
	}
}

// broadcast never blocks; a socket with a full queue misses the event.
func (h *hub) broadcast(ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.conns {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ===== Inactivity prompt =====

// webPrompter asks the browser whether to stay logged in and waits for the
// first answer from any socket.
type webPrompter struct {
	hub *hub

	mu     sync.Mutex
	answer chan bool
}

func (p *webPrompter) Confirm(ctx context.Context, msg string) bool {
	ch := make(chan bool, 1)
	p.mu.Lock()
	p.answer = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.answer == ch {
			p.answer = nil
		}
		p.mu.Unlock()
	}()

	p.hub.broadcast(event{Event: "warning", Message: msg})
	select {
	case stay := <-ch:
		return stay
	case <-ctx.Done():
		return false
	}
}

func (p *webPrompter) reply(stay bool) {
	p.mu.Lock()
	ch := p.answer
	p.answer = nil
	p.mu.Unlock()
	if ch != nil {
		ch <- stay
	}
}

// ===== Socket =====

func (g *gui) live(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.app.Log.Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	states, unsubscribe := g.app.Presenter.Subscribe()
	defer unsubscribe()
	events, leave := g.hub.join()
	defer leave()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			var m clientMessage
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			if m.Event == "confirm" {
				g.prompter.reply(m.Stay)
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		var err error
		select {
		case st := <-states:
			err = g.write(conn, stateEvent(st))
		case ev := <-events:
			err = g.write(conn, ev)
		case <-ping.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		case <-ctx.Done():
			return
		}
		if err != nil {
			g.app.Log.Infof("live socket closed: %v", err)
			return
		}
	}
}

func (g *gui) write(conn *websocket.Conn, ev event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
