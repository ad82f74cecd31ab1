package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/casefill/orchestrator/internal/apperrors"
	"github.com/casefill/orchestrator/internal/tasks"
)

const (
	watchWriteWait = 10 * time.Second
	watchPongWait  = 60 * time.Second
	watchPing      = 20 * time.Second
	maxWatch       = 30 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // browsers are fronted by the gateway
}

// WatchTask handles GET /api/v1/task-status/{task_id}/watch. It upgrades to
// a websocket, pushes the task view on every change and closes once the task
// reaches a terminal status.
func (h *Handler) WatchTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("task_id"))

	t, err := h.tasks.GetStatus(r.Context(), id)
	if err != nil {
		h.logger.Error("Task status lookup failed", zap.String("task_id", id), zap.Error(err))
		writeError(w, apperrors.From(err), nil)
		return
	}
	if t.Status == tasks.StatusNotFound {
		writeJSON(w, http.StatusNotFound, taskView(id, t))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	defer conn.Close()
	// Server read/write timeouts do not apply to the upgraded connection
	_ = conn.NetConn().SetDeadline(time.Time{})

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})

	// Reader pump: client messages are discarded, a read error ends the watch
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(t *tasks.Task) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
		return conn.WriteJSON(taskView(id, t)) == nil
	}
	finish := func(reason string) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteWait))
	}

	if !send(t) {
		return
	}
	if t.Status.Terminal() {
		finish(string(t.Status))
		return
	}
	last := t

	poll := time.NewTicker(h.watchInterval)
	defer poll.Stop()
	ping := time.NewTicker(watchPing)
	defer ping.Stop()
	deadline := time.NewTimer(maxWatch)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-deadline.C:
			finish("watch expired")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
		case <-poll.C:
			cur, err := h.tasks.GetStatus(r.Context(), id)
			if err != nil {
				h.logger.Warn("Task watch lookup failed", zap.String("task_id", id), zap.Error(err))
				continue
			}
			if cur.Status == last.Status && cur.UpdatedAt.Equal(last.UpdatedAt) {
				continue
			}
			if !send(cur) {
				return
			}
			if cur.Status.Terminal() || cur.Status == tasks.StatusNotFound {
				finish(string(cur.Status))
				return
			}
			last = cur
		}
	}
}
