// Package server wires HTTP handlers into a gorilla/mux router for the
// chatboard application via routing helpers.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// RouterDeps collects what the router needs beyond the API handlers.
type RouterDeps struct {
	API     *API
	Metrics *Metrics
	Origins *originPolicy
	Limiter *ipRateLimiter
	// Uploads serves locally stored attachments; nil when they live
	// elsewhere.
	Uploads http.Handler
	Logger  *zap.Logger
}

// SetupRoutes builds the application handler. The search route is
// registered before {id} so it is not captured as an id.
func SetupRoutes(d RouterDeps) http.Handler {
	r := mux.NewRouter()
	r.Use(instrument(d.Metrics))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", d.API.Health).Methods(http.MethodGet)
	api.HandleFunc("/messages", d.API.ListMessages).Methods(http.MethodGet)
	api.Handle("/messages", d.Limiter.middleware(http.HandlerFunc(d.API.CreateMessage))).Methods(http.MethodPost)
	api.HandleFunc("/messages/search", d.API.SearchMessages).Methods(http.MethodGet)
	api.Handle("/messages/with-image", d.Limiter.middleware(http.HandlerFunc(d.API.CreateMessageWithImage))).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}", d.API.GetMessage).Methods(http.MethodGet)
	api.Handle("/messages/{id}", d.Limiter.middleware(http.HandlerFunc(d.API.DeleteMessage))).Methods(http.MethodDelete)

	r.HandleFunc("/ws", d.API.WebSocket)
	r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	if d.Uploads != nil {
		r.PathPrefix("/uploads/").Handler(d.Uploads).Methods(http.MethodGet, http.MethodHead)
	}
	r.HandleFunc("/", d.API.BoardPage).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	var h http.Handler = r
	h = cors(d.Origins)(h)
	h = requestLogger(d.Logger)(h)
	h = recoverer(d.Logger)(h)
	return h
}
