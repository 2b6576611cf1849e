package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/types"
)

// maxSettingsBody bounds the size of a settings patch.
const maxSettingsBody = 1 << 20

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, s.config.Load())
}

// handleUpdateSettings merges a partial JSON document over the current
// settings. Invalid results are rejected and the running settings are kept.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read settings body", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	next, err := s.config.Apply(ctx, body)
	if err != nil {
		if errors.Is(err, types.ErrConfigInvalid) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to apply settings", slog.Any("error", err))
		writeJSONError(w, "failed to apply settings", http.StatusInternalServerError)
		return
	}

	if s.storage != nil {
		if err := s.storage.SetSettings(ctx, next, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist settings", slog.Any("error", err))
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "settings updated")
	writeJSON(w, next)
}
