package fabric

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

// AttachAdminRoutes attaches fabric debugging endpoints to the given HTTP mux
// served at /debug/. These routes are accessible only over localhost/via
// Tailscale and are not publicly accessible.
func AttachAdminRoutes(mux *http.ServeMux, f Fabric) {
	debug := tsweb.Debugger(mux)

	// API endpoint to publish a hex payload on a topic
	debug.HandleSilentFunc("fabric-publish", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		topic := strings.TrimSpace(r.FormValue("topic"))
		if topic == "" {
			http.Error(w, "Missing topic", http.StatusBadRequest)
			return
		}
		payload, err := hex.DecodeString(strings.TrimSpace(r.FormValue("payload")))
		if err != nil {
			http.Error(w, "Payload must be hex", http.StatusBadRequest)
			return
		}
		if err := f.Publish(topic, payload); err != nil {
			http.Error(w, "Failed to publish: "+err.Error(), http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Published %d bytes to %q", len(payload), topic))
	})

	// Server-Sent Events stream of the payloads on one topic, hex encoded.
	debug.HandleFunc("fabric-tail", "live tail of a fabric topic (?topic=)", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			topic = TopicFPGAAnswer
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		id, c, err := f.Subscribe(topic)
		if err != nil {
			http.Error(w, "Failed to subscribe: "+err.Error(), http.StatusInternalServerError)
			return
		}
		defer f.Unsubscribe(id)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", hex.EncodeToString(payload)); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
