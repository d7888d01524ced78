// relaybot/handlers/status.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"relaybot/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
)

// SetupRouter builds the operational HTTP surface: a liveness probe and a
// token-protected status snapshot.
func SetupRouter(app App, tokenHash string) *chi.Mux {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", MakeHandler(app, HandleHealthz))

	mux.Route("/status", func(r chi.Router) {
		r.Use(RequireToken(app, tokenHash))
		r.Get("/", MakeHandler(app, HandleStatus))
	})

	return mux
}

// MakeHandler adapts a handler function to our generic App interface.
func MakeHandler(app App, fn func(http.ResponseWriter, *http.Request, App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, app)
	}
}

// RequireToken guards a route behind a bearer token checked against a bcrypt
// hash. An empty hash disables the route entirely.
func RequireToken(app App, tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				http.Error(w, "Status endpoint is not configured", http.StatusNotFound)
				return
			}
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) != nil {
				app.Logger().Warn("Rejected status request with bad token", "remote", r.RemoteAddr)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandleHealthz reports process liveness.
func HandleHealthz(w http.ResponseWriter, r *http.Request, app App) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.AppVersion,
	}, app)
}

// HandleStatus reports a snapshot of the verification pipeline.
func HandleStatus(w http.ResponseWriter, r *http.Request, app App) {
	schemaVersion, err := app.DB().SchemaVersion()
	if err != nil {
		app.Logger().Error("Failed to read schema version", "error", err)
	}

	var sinceRevoke float64
	if last := app.Tracker().LastRevoke(); !last.IsZero() {
		sinceRevoke = time.Since(last).Seconds()
	}

	payload := map[string]interface{}{
		"connected":            app.Chat().Connected(),
		"pending_invites":      app.Tracker().PendingCount(),
		"seconds_since_revoke": sinceRevoke,
		"problems":             app.Problems().Len(),
		"problem_version":      app.Problems().Version(),
		"schema_version":       schemaVersion,
	}
	respondJSON(w, http.StatusOK, payload, app)
}

// respondJSON sends a JSON response with a given status code.
func respondJSON(w http.ResponseWriter, status int, payload interface{}, app App) {
	response, err := json.Marshal(payload)
	if err != nil {
		app.Logger().Error("Failed to marshal JSON payload", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		if _, werr := w.Write([]byte(`{"error":"Failed to marshal JSON response"}`)); werr != nil {
			app.Logger().Error("Failed to write internal server error response", "error", werr)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		app.Logger().Error("Failed to write JSON response", "error", err)
	}
}
