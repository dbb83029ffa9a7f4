package identity

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"
)

type ResolutionDTO struct {
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	AvatarUrl   string `json:"avatarUrl,omitempty"`
	DisplayName string `json:"displayName"`
}

type ResolutionErrorDTO struct {
	Kind    ResolutionErrorKind `json:"kind"`
	Message string              `json:"message"`
}

type Handler struct {
	resolver *Resolver
}

func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver}
}

// Resolve godoc
// @Summary Resolve a name or address
// @Description Resolve a dotted name or a hex address to an account with display data
// @Tags Identity
// @Produce json
// @Param input query string true "Name or address"
// @Success 200 {object} ResolutionDTO
// @Failure 422 {object} ResolutionErrorDTO
// @Failure 503 {object} ResolutionErrorDTO
// @Router /api/identity/resolve [get]
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	log.Debug("Resolving identity")
	w.Header().Set("Content-Type", "application/json")

	resolution, err := h.resolver.Resolve(r.Context(), r.URL.Query().Get("input"))
	if err != nil {
		var resolutionErr *ResolutionError
		if !errors.As(err, &resolutionErr) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status := http.StatusUnprocessableEntity
		switch resolutionErr.Kind {
		case NameNotFound:
			status = http.StatusNotFound
		case NetworkError:
			status = http.StatusServiceUnavailable
		case Unknown:
			status = http.StatusInternalServerError
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(ResolutionErrorDTO{Kind: resolutionErr.Kind, Message: resolutionErr.Message})
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(ResolutionDTO{
		Address:     resolution.Address.Hex(),
		Name:        resolution.Name,
		AvatarUrl:   resolution.AvatarUrl,
		DisplayName: resolution.DisplayName,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
