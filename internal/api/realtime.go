package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"photoforge/backend/internal/lifecycle"
	"photoforge/backend/internal/middleware"
	"photoforge/backend/internal/store"
	"photoforge/backend/internal/stream"
)

const (
	keepAliveInterval = 25 * time.Second
	fallbackPoll      = 3 * time.Second
	fallbackWindow    = 50
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
)

// events returns the user's event feed: Redis pub/sub when configured,
// otherwise a DB poll that reports status changes.
func (s *Server) events(ctx context.Context, userID uuid.UUID) (<-chan stream.Event, func()) {
	if s.Stream != nil {
		return s.Stream.Subscribe(ctx, userID)
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan stream.Event, 16)
	go func() {
		defer close(out)
		seen := map[uuid.UUID]lifecycle.Status{}
		ticker := time.NewTicker(fallbackPoll)
		defer ticker.Stop()
		first := true
		for {
			list, _, err := s.DB.ListGenerations(ctx, userID, "", 0, fallbackWindow)
			if err == nil {
				evs := statusChanges(seen, list)
				// The first poll only primes the snapshot.
				if !first {
					for _, ev := range evs {
						select {
						case out <- ev:
						case <-ctx.Done():
							return
						}
					}
				}
				first = false
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, cancel
}

// statusChanges records list into seen and returns an event for each row
// whose status differs from the last snapshot.
func statusChanges(seen map[uuid.UUID]lifecycle.Status, list []store.Generation) []stream.Event {
	changed := lo.Filter(list, func(g store.Generation, _ int) bool {
		prev, ok := seen[g.ID]
		return !ok || prev != g.Status
	})
	for _, g := range list {
		seen[g.ID] = g.Status
	}
	return lo.Map(changed, func(g store.Generation, _ int) stream.Event {
		return stream.Event{Kind: stream.KindGeneration, ID: g.ID, Status: g.Status, Images: g.Images, Error: g.Error}
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	events, stop := s.events(ctx, userID)
	defer stop()

	log.Debug().Str("user_id", userID.String()).Msg("sse connected")
	fmt.Fprintf(w, "event: connected\ndata: {\"user\":%q}\n\n", userID.String())
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev stream.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, b)
	return err
}

func (s *Server) upgrader() websocket.Upgrader {
	origins := s.Cfg.Origins()
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origins == nil || origin == "" || lo.Contains(origins, origin)
		},
	}
}

// websocketEvents carries the same feed as streamEvents. Client messages are
// read only to notice disconnects.
func (s *Server) websocketEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	events, stop := s.events(ctx, userID)
	defer stop()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("websocket read")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
