package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// sseHeartbeatInterval spaces comment lines that keep idle proxies from
// closing the stream.
const sseHeartbeatInterval = 15 * time.Second

// writeSSE streams run events as Server-Sent Events. Each event carries its
// sequence as the SSE id so clients can reconnect with from_seq; the channel
// closing ends the stream with a done marker.
func writeSSE(w http.ResponseWriter, r *http.Request, events <-chan runtime.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if ev.Seq > 0 {
				fmt.Fprintf(w, "id: %d\n", ev.Seq)
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
