package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/kimhsiao/syncbox/internal/errors"
	"github.com/kimhsiao/syncbox/internal/models"
	"github.com/kimhsiao/syncbox/internal/store"
	syncpkg "github.com/kimhsiao/syncbox/internal/sync"
	"github.com/kimhsiao/syncbox/internal/sync/queue"
)

// newRouter builds the HTTP API surface of the daemon.
func newRouter(coord *syncpkg.Coordinator, q *queue.SyncQueue, st store.Store, hub *Hub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "syncd"})
	})

	mux.HandleFunc("GET /ws", hub.HandleWebSocket)

	mux.HandleFunc("GET /api/sync/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, coord.State())
	})

	mux.HandleFunc("POST /api/sync/drain", func(w http.ResponseWriter, r *http.Request) {
		report, err := coord.Drain(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("GET /api/sync/queue", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"pending": q.GetPending(),
			"failed":  q.GetFailed(),
		})
	})

	mux.HandleFunc("POST /api/sync/queue/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		if err := q.Retry(models.UUID(r.PathValue("id"))); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
	})

	mux.HandleFunc("DELETE /api/sync/queue/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := q.Cancel(models.UUID(r.PathValue("id"))); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	})

	mux.HandleFunc("GET /api/conflicts", func(w http.ResponseWriter, r *http.Request) {
		conflicts, err := coord.Conflicts()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conflicts)
	})

	mux.HandleFunc("POST /api/conflicts/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Choice string `json:"choice"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		err := coord.ApplyResolution(r.Context(), models.UUID(r.PathValue("id")), models.Resolution(body.Choice))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	})

	mux.HandleFunc("GET /api/data/{collection}", func(w http.ResponseWriter, r *http.Request) {
		entries, err := coord.List(r.Context(), r.PathValue("collection"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	mux.HandleFunc("GET /api/data/{collection}/{key}", func(w http.ResponseWriter, r *http.Request) {
		entry, err := coord.Read(r.Context(), r.PathValue("collection"), r.PathValue("key"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})

	mux.HandleFunc("PUT /api/data/{collection}/{key}", func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
		if err != nil {
			writeError(w, errors.Wrap(errors.ErrInvalid, "failed to read body", err))
			return
		}
		kind := models.MutationUpdate
		if r.URL.Query().Get("create") == "true" {
			kind = models.MutationCreate
		}
		m, err := coord.Write(r.Context(), r.PathValue("collection"), r.PathValue("key"), kind, payload)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, m)
	})

	mux.HandleFunc("DELETE /api/data/{collection}/{key}", func(w http.ResponseWriter, r *http.Request) {
		m, err := coord.Write(r.Context(), r.PathValue("collection"), r.PathValue("key"), models.MutationDelete, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, m)
	})

	mux.HandleFunc("POST /api/downloads", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Collection string `json:"collection"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		id, err := coord.RequestDownload(r.Context(), body.Collection)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"scope_id": string(id)})
	})

	mux.HandleFunc("GET /api/downloads/{id}", func(w http.ResponseWriter, r *http.Request) {
		scope, err := coord.DownloadStatus(models.UUID(r.PathValue("id")))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, scope)
	})

	mux.HandleFunc("DELETE /api/downloads/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := coord.CancelDownload(models.UUID(r.PathValue("id"))); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	})

	mux.HandleFunc("GET /api/storage/usage", func(w http.ResponseWriter, r *http.Request) {
		usage, err := st.EstimateUsage()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, usage)
	})

	return mux
}

func decodeBody(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the failure taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrInvalid, errors.ErrValidation:
		status = http.StatusBadRequest
	case errors.ErrUnauthorized:
		status = http.StatusUnauthorized
	case errors.ErrConflict, errors.ErrMutationInFlight:
		status = http.StatusConflict
	case errors.ErrDataUnavailable:
		status = http.StatusServiceUnavailable
	case errors.ErrQueueFull, errors.ErrStorageExhausted:
		status = http.StatusInsufficientStorage
	case errors.ErrTransientNetwork:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
}
