package fpga

import (
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/pat/internal/httputil"
)

// AttachAdminRoutes attaches register peek/poke and traffic counters to the
// given HTTP mux served at /debug/. Debug requests use their own request
// number sequence; polls are serialised with the actuator's so keys never
// collide while outstanding.
func AttachAdminRoutes(mux *http.ServeMux, c *Client, timeout time.Duration) {
	debug := tsweb.Debugger(mux)
	var seq atomic.Uint32

	debug.HandleFunc("fpga-stats", "FPGA register traffic counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, c.Stats())
	})

	debug.HandleSilentFunc("fpga-read", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		addr, err := strconv.ParseUint(r.URL.Query().Get("addr"), 0, 16)
		if err != nil {
			http.Error(w, "Invalid addr", http.StatusBadRequest)
			return
		}
		rn := uint8(seq.Add(1))
		v, err := c.Read(r.Context(), uint16(addr), rn, timeout)
		if err != nil {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		fmt.Fprintf(w, "0x%04X = 0x%08X\n", addr, v)
	})

	debug.HandleSilentFunc("fpga-write", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		addr, err := strconv.ParseUint(r.FormValue("addr"), 0, 16)
		if err != nil {
			http.Error(w, "Invalid addr", http.StatusBadRequest)
			return
		}
		value, err := strconv.ParseUint(r.FormValue("value"), 0, 32)
		if err != nil {
			http.Error(w, "Invalid value", http.StatusBadRequest)
			return
		}
		rn := uint8(seq.Add(1))
		if err := c.Write(uint16(addr), uint32(value), rn); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		applied := c.CheckWriteApplied(r.Context(), uint16(addr), rn, timeout)
		fmt.Fprintf(w, "wrote 0x%08X to 0x%04X, applied=%t\n", value, addr, applied)
	})
}
