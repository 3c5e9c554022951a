package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"navsync/internal/model"
	"navsync/internal/scheduler"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// Mux is the subset of *http.ServeMux the gateway registers on.
type Mux interface {
	HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request))
}

// RegisterRoutes mounts the WebSocket endpoint and the REST API.
//
//	GET  /ws
//	GET  /api/active
//	GET  /api/nav?slug=&tf=
//	GET  /api/rows?slug=&tf=
//	GET  /api/missed?slug=&from=&to=
//	GET  /api/snapshot?slug=
//	POST /api/refresh?slug=
func RegisterRoutes(mux Mux, hub *Hub) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn().Err(err).Msg("ws upgrade failed")
			return
		}
		hub.Serve(conn)
	})

	mux.HandleFunc("/api/active", func(w http.ResponseWriter, r *http.Request) {
		if hub.host == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("no host"))
			return
		}
		writeJSON(w, http.StatusOK, hub.host.Active())
	})

	mux.HandleFunc("/api/nav", func(w http.ResponseWriter, r *http.Request) {
		slug, tf, ok := slugAndTimeframe(w, r, hub)
		if !ok {
			return
		}
		series, err := hub.host.Series(r.Context(), slug, tf)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"slug":  slug,
			"tf":    tf,
			"stale": hub.bus.IsDataStale(slug),
			"data":  series,
		})
	})

	mux.HandleFunc("/api/rows", func(w http.ResponseWriter, r *http.Request) {
		slug, tf, ok := slugAndTimeframe(w, r, hub)
		if !ok {
			return
		}
		rows, err := hub.host.Rows(r.Context(), slug, tf)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	})

	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		slug := q.Get("slug")
		from, errFrom := strconv.ParseInt(q.Get("from"), 10, 64)
		to, errTo := strconv.ParseInt(q.Get("to"), 10, 64)
		if slug == "" || errFrom != nil || errTo != nil || from > to {
			writeError(w, http.StatusBadRequest, errors.New("slug, from and to are required, from <= to"))
			return
		}
		msgs := hub.Missed(slug, from, to)
		out := make([]json.RawMessage, len(msgs))
		for i, m := range msgs {
			out[i] = m
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"slug":     slug,
			"seq":      hub.Seq(slug),
			"messages": out,
		})
	})

	mux.HandleFunc("/api/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if hub.host == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("no host"))
			return
		}
		slug := r.URL.Query().Get("slug")
		if slug == "" {
			writeError(w, http.StatusBadRequest, errors.New("slug is required"))
			return
		}
		snap, err := hub.host.LatestSnapshot(r.Context(), slug)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("/api/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			SetCORS(w)
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New("POST required"))
			return
		}
		if hub.host == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("no host"))
			return
		}
		slug := r.URL.Query().Get("slug")
		if slug == "" {
			writeError(w, http.StatusBadRequest, errors.New("slug is required"))
			return
		}
		err := hub.host.RequestRefresh(r.Context(), slug)
		var rle *scheduler.RateLimitExceededError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds()+0.999)))
		}
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"slug": slug, "status": "refreshed"})
	})
}

func slugAndTimeframe(w http.ResponseWriter, r *http.Request, hub *Hub) (string, model.Timeframe, bool) {
	if hub.host == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no host"))
		return "", "", false
	}
	q := r.URL.Query()
	slug := q.Get("slug")
	if slug == "" {
		writeError(w, http.StatusBadRequest, errors.New("slug is required"))
		return "", "", false
	}
	tf := model.TimeframeDay
	if raw := q.Get("tf"); raw != "" {
		parsed, err := model.ParseTimeframe(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return "", "", false
		}
		tf = parsed
	}
	return slug, tf, true
}

func statusOf(err error) int {
	var rle *scheduler.RateLimitExceededError
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &rle):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
