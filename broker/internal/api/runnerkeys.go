package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
	"github.com/sentryvibe/runnerbroker/broker/internal/runnerkey"
)

// runnerKeyHandler implements the runner-key lifecycle routes (C1, spec §6).
type runnerKeyHandler struct {
	keys   *runnerkey.Store
	logger *zap.Logger
}

type issueKeyRequest struct {
	Name string `json:"name"`
}

type issueKeyResponse struct {
	ID        string `json:"id"`
	Plaintext string `json:"key"`
}

// Issue handles POST /runner-keys. The plaintext key is returned exactly
// once — it is never recoverable after this response.
func (h *runnerKeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrInternal(w)
		return
	}

	var req issueKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	id, plaintext, err := h.keys.Issue(r.Context(), userID, req.Name)
	if err != nil {
		h.logger.Error("issue runner key", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, issueKeyResponse{ID: id.String(), Plaintext: plaintext})
}

type runnerKeyResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	KeyPrefix  string  `json:"keyPrefix"`
	LastUsedAt *string `json:"lastUsedAt"`
	RevokedAt  *string `json:"revokedAt"`
	CreatedAt  string  `json:"createdAt"`
}

// List handles GET /runner-keys.
func (h *runnerKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrInternal(w)
		return
	}

	keys, total, err := h.keys.List(r.Context(), userID, repository.ListOptions{Limit: pageLimit(r), Offset: pageOffset(r)})
	if err != nil {
		h.logger.Error("list runner keys", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]runnerKeyResponse, 0, len(keys))
	for _, k := range keys {
		resp := runnerKeyResponse{
			ID:        k.ID.String(),
			Name:      k.Name,
			KeyPrefix: k.KeyPrefix,
			CreatedAt: k.CreatedAt.UTC().String(),
		}
		if k.LastUsedAt != nil {
			s := k.LastUsedAt.UTC().String()
			resp.LastUsedAt = &s
		}
		if k.RevokedAt != nil {
			s := k.RevokedAt.UTC().String()
			resp.RevokedAt = &s
		}
		items = append(items, resp)
	}

	Ok(w, map[string]any{"items": items, "total": total})
}

// Revoke handles DELETE /runner-keys/:id. Ownership is enforced by
// re-listing the caller's own keys rather than trusting the path id alone.
func (h *runnerKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrInternal(w)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid id")
		return
	}

	keys, _, err := h.keys.List(r.Context(), userID, repository.ListOptions{Limit: 1000})
	if err != nil {
		h.logger.Error("list runner keys for ownership check", zap.Error(err))
		ErrInternal(w)
		return
	}
	owned := false
	for _, k := range keys {
		if k.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		ErrNotFound(w)
		return
	}

	if err := h.keys.Revoke(r.Context(), id); err != nil {
		h.logger.Error("revoke runner key", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

func pageLimit(r *http.Request) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return 50
}

func pageOffset(r *http.Request) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		return v
	}
	return 0
}
