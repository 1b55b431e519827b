package server

import (
	"errors"
	"net/http"

	"github.com/geoplatform/arcgis-relay/pkg/httputil"
	"github.com/geoplatform/arcgis-relay/pkg/middleware"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
	"github.com/geoplatform/arcgis-relay/pkg/storage"
)

// tokenResponse is the body of a successful /token call
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleToken redeems a relay authorization code. Codes are single use.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "invalid_request")
		return
	}
	code := r.PostForm.Get("code")
	if code == "" {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "invalid_request")
		return
	}

	token, err := s.store.RedeemAuthCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "invalid_grant")
		return
	} else if err != nil {
		observability.FromContext(ctx).WithError(err).Error("Failed to redeem auth code")
		httputil.WriteInternalError(w)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	_ = httputil.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(codeTTL.Seconds()),
	})
}

// handleUserInfo returns the stored user record for a relay access token
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, ok := middleware.BearerToken(r)
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}

	info, err := s.store.GetUserInfo(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "Token invalid or expired")
		return
	} else if err != nil {
		observability.FromContext(ctx).WithError(err).Error("Failed to load userinfo")
		httputil.WriteInternalError(w)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, info)
}
