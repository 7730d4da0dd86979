// Package router registers all HTTP endpoints using vanilla net/http (Go 1.22+ mux).
package router

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/whisper-darkly/todohub/auth"
	"github.com/whisper-darkly/todohub/config"
	"github.com/whisper-darkly/todohub/habitica"
	"github.com/whisper-darkly/todohub/hub"
	"github.com/whisper-darkly/todohub/session"
	"github.com/whisper-darkly/todohub/store"
)

const service = "todohub"

const (
	versionMajor = 0
	versionMinor = 1
	versionRev   = 0
)

// New builds and returns the application HTTP handler.
//
// Endpoints are api_key-authenticated in the request body (there are no
// cookies or headers to share with the websocket path):
//
//	GET  /public/info
//	GET  /public/ws/task_updates           (the sync websocket)
//	POST /public/habitica_integration/new  {"api_key","integration_user_id","integration_api_key"}
//	POST /public/habitica_integration/view {"api_key"}
//	GET  /api/health
func New(sessions *session.Handler, st store.Store, resolver auth.Resolver, hab *habitica.Client, reg *hub.Registry, cfg *config.Global) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /public/info", info(cfg))
	mux.Handle("GET /public/ws/task_updates", sessions)

	mux.HandleFunc("POST /public/habitica_integration/new", newIntegration(st, resolver, hab))
	mux.HandleFunc("POST /public/habitica_integration/view", viewIntegration(st, resolver))

	mux.HandleFunc("GET /api/health", health(reg))

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, map[string]string{"error": errCode})
}

// resolveUser maps an api_key to its user, writing the appropriate error
// response on failure. ok=false means the response has been written.
func resolveUser(w http.ResponseWriter, r *http.Request, resolver auth.Resolver, apiKey string) (auth.User, bool) {
	user, err := resolver.Resolve(r.Context(), apiKey)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED")
		} else {
			log.Printf("router: auth: %v", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR")
		}
		return auth.User{}, false
	}
	return user, true
}

// ---- handlers ----

func info(cfg *config.Global) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service":        service,
			"version_major":  versionMajor,
			"version_minor":  versionMinor,
			"version_rev":    versionRev,
			"app_pub_origin": cfg.Get().AppPubOrigin,
		})
	}
}

func newIntegration(st store.Store, resolver auth.Resolver, hab *habitica.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			APIKey            string `json:"api_key"`
			IntegrationUserID string `json:"integration_user_id"`
			IntegrationAPIKey string `json:"integration_api_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "DECODE_ERROR")
			return
		}
		if body.IntegrationUserID == "" || body.IntegrationAPIKey == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST")
			return
		}

		user, ok := resolveUser(w, r, resolver, body.APIKey)
		if !ok {
			return
		}

		if hab != nil {
			creds := habitica.Credentials{UserID: body.IntegrationUserID, APIKey: body.IntegrationAPIKey}
			if err := hab.VerifyCredentials(r.Context(), creds); err != nil {
				log.Printf("router: integration verify for user %d: %v", user.ID, err)
				writeError(w, http.StatusBadRequest, "INTEGRATION_REJECTED")
				return
			}
		}

		in, err := st.AddIntegration(r.Context(), user.ID, body.IntegrationUserID, body.IntegrationAPIKey)
		if err != nil {
			log.Printf("router: add integration for user %d: %v", user.ID, err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR")
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

func viewIntegration(st store.Store, resolver auth.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			APIKey string `json:"api_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "DECODE_ERROR")
			return
		}

		user, ok := resolveUser(w, r, resolver, body.APIKey)
		if !ok {
			return
		}

		in, err := st.GetRecentIntegration(r.Context(), user.ID)
		if err != nil {
			log.Printf("router: view integration for user %d: %v", user.ID, err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR")
			return
		}
		if in == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND")
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

func health(reg *hub.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		cells, subscribers := reg.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"cells":       cells,
			"subscribers": subscribers,
		})
	}
}
