package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/scania/scanhub/internal/broadcast"
	"github.com/scania/scanhub/internal/log"
	"github.com/scania/scanhub/internal/model"
)

// Inbound message types.
const (
	msgPing          = "ping"
	msgRequestStatus = "request_status"
)

type inbound struct {
	Type string `json:"type"`
}

// jobStream streams the events of one job: a confirmation, the job
// snapshot, then every event until the job has been purged after its
// terminal event or the client goes away.
func (s *Server) jobStream(w http.ResponseWriter, r *http.Request) {
	caller, id := Caller(r.Context()), r.PathValue("id")
	job, err := s.jobs.Status(r.Context(), caller, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := log.ContextAttrs(log.JobContext(s.ctx, id), slog.String("caller", caller))

	s.upgrade(w, r, func(ws *websocket.Conn) {
		sub := s.events.Attach(caller, broadcast.AttachOptions{AutoClose: true})
		defer s.events.Detach(sub.ID)

		confirm := model.JobEvent(model.EventSubscribed, job, s.now())
		confirm.Message = "Subscribed to job updates"
		if err := websocket.JSON.Send(ws, confirm); err != nil {
			return
		}
		snapshot, err := s.events.Subscribe(sub.ID, id)
		if err != nil {
			return
		}
		if !snapshot {
			// nothing live for the job, the store is authoritative
			state := s.state(ctx, caller, id)
			if err := websocket.JSON.Send(ws, state); err != nil || state.Terminal() {
				return
			}
		}
		s.session(ctx, ws, sub, func() model.Event {
			if ev, ok := s.events.Snapshot(id); ok {
				return ev
			}
			return s.state(ctx, caller, id)
		})
	})
}

// notifications streams system-wide notices.
func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	caller := Caller(r.Context())
	ctx := log.ContextAttrs(s.ctx, slog.String("caller", caller))

	s.upgrade(w, r, func(ws *websocket.Conn) {
		sub := s.events.Attach(caller, broadcast.AttachOptions{})
		defer s.events.Detach(sub.ID)

		confirm := model.Event{Type: model.EventSubscribed, Message: "Subscribed to system notifications", Timestamp: s.now()}
		if err := websocket.JSON.Send(ws, confirm); err != nil {
			return
		}
		s.session(ctx, ws, sub, func() model.Event {
			st := s.events.Stats()
			return model.Event{
				Type:      model.EventNotice,
				Message:   fmt.Sprintf("%d live subscriptions across %d jobs", st.Subscriptions, st.Jobs),
				Timestamp: s.now(),
			}
		})
	})
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, handler func(*websocket.Conn)) {
	if !s.track() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()
	// no Handshake: origins are not checked, callers authenticate by token
	websocket.Server{Handler: handler}.ServeHTTP(w, r)
}

// state builds an event from the stored job.
func (s *Server) state(ctx context.Context, caller, id string) model.Event {
	job, err := s.jobs.Status(ctx, caller, id)
	if err != nil {
		return model.Event{Type: model.EventError, JobID: id, Message: err.Error(), Timestamp: s.now()}
	}
	now := s.now()
	if !job.Status.Terminal() {
		return model.JobEvent(model.EventStatusChange, job, now)
	}
	ev := model.JobEvent(model.EventCompletion, job, now)
	summary := job.Summary
	ev.Summary = &summary
	ev.DurationSeconds = job.Duration(now).Seconds()
	return ev
}

// session pumps events to the client and answers its messages until either
// side ends the stream. A client silent for a heartbeat period gets a
// heartbeat event.
func (s *Server) session(ctx context.Context, ws *websocket.Conn, sub *broadcast.Subscription, replay func() model.Event) {
	msgs := make(chan inbound)
	stop := make(chan struct{})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(msgs)
		for {
			var raw string
			if err := websocket.Message.Receive(ws, &raw); err != nil {
				return
			}
			var m inbound
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				m.Type = ""
			}
			select {
			case msgs <- m:
			case <-stop:
				return
			}
		}
	}()
	defer func() {
		close(stop)
		_ = ws.Close()
		<-readDone
	}()

	heartbeat := time.NewTimer(s.heartbeat)
	defer heartbeat.Stop()
	for {
		var out model.Event
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				slog.DebugContext(ctx, "subscription closed", "subscription_id", sub.ID)
				return
			}
			out = ev
		case m, ok := <-msgs:
			if !ok {
				return
			}
			heartbeat.Reset(s.heartbeat)
			switch m.Type {
			case msgPing:
				out = model.Event{Type: model.EventPong, Timestamp: s.now()}
			case msgRequestStatus:
				out = replay()
			default:
				out = model.Event{Type: model.EventError, Message: fmt.Sprintf("unknown message type %q", m.Type), Timestamp: s.now()}
			}
		case <-heartbeat.C:
			heartbeat.Reset(s.heartbeat)
			out = model.Event{Type: model.EventHeartbeat, Timestamp: s.now()}
		}
		if err := websocket.JSON.Send(ws, out); err != nil {
			slog.DebugContext(ctx, "websocket send", "error", err)
			return
		}
	}
}
