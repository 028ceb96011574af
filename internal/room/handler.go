package room

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parlor-games/parlor/internal/logging"
)

type createRequest struct {
	Code   string `json:"code,omitempty"`
	Name   string `json:"name,omitempty"`
	HostID string `json:"hostId"`
}

// Routes mounts the directory's CRUD surface.
func Routes(d *Directory) http.Handler {
	r := chi.NewRouter()
	r.Post("/", handleCreate(d))
	r.Get("/{code}", handleFind(d))
	r.Delete("/{code}", handleDelete(d))
	return r
}

func handleCreate(d *Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logging.FromContext(r.Context()).Named("room.create")

		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.HostID == "" {
			http.Error(w, "hostId required", http.StatusBadRequest)
			return
		}

		rm, err := d.Create(req.Code, req.Name, req.HostID)
		if errors.Is(err, ErrExists) {
			http.Error(w, "code taken", http.StatusConflict)
			return
		}
		if err != nil {
			logger.Errorf("create room: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rm)
	}
}

func handleFind(d *Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rm, err := d.Find(chi.URLParam(r, "code"))
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logging.FromContext(r.Context()).Named("room.find").Errorf("find room: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rm)
	}
}

func handleDelete(d *Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		existed, err := d.Delete(chi.URLParam(r, "code"))
		if err != nil {
			logging.FromContext(r.Context()).Named("room.delete").Errorf("delete room: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !existed {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
