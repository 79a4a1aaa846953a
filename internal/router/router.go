package router

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/reggieyam998/ctf-exchange/internal/metrics"
	"github.com/reggieyam998/ctf-exchange/internal/websocket"
	"github.com/rs/zerolog"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.n += n
	return n, err
}

func logging(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(sw, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Int("bytes", sw.n).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}

// wrap your mux with cors(mux) when starting the server
// http.ListenAndServe(":8080", Cors(mux))

func Cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")

			reqHdrs := r.Header.Get("Access-Control-Request-Headers")
			if reqHdrs == "" {
				reqHdrs = "Content-Type"
			}
			w.Header().Set("Access-Control-Allow-Headers", reqHdrs)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		// Short-circuit preflight so it never hits the route table
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type BindRouterOpts struct {
	ServerRouter *http.ServeMux
	Registry     *prometheus.Registry
	Hub          *websocket.Hub
	// Symbols lists the configured instruments for the health report.
	Symbols func() []string
	Logger  zerolog.Logger
}

func BindRouter(opts BindRouterOpts) {
	withLogging := logging(opts.Logger.With().Str("component", "http").Logger())

	//healthcheck
	opts.ServerRouter.Handle("GET /healthz", withLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status": http.StatusOK,
			"health": "healthy",
		}
		if opts.Symbols != nil {
			body["symbols"] = opts.Symbols()
		}
		if opts.Hub != nil {
			clients, drops := opts.Hub.Stats()
			body["ws_clients"] = clients
			body["ws_drops"] = drops
		}
		writeJSON(w, http.StatusOK, body)
	})))

	if opts.Registry != nil {
		opts.ServerRouter.Handle("GET /metrics", metrics.Handler(opts.Registry))
	}
	if opts.Hub != nil {
		// the upgrade hijacks the connection, so no statusWriter here
		opts.ServerRouter.HandleFunc("GET /ws", opts.Hub.ServeWS)
	}
}
