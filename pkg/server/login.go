package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/geoplatform/arcgis-relay/pkg/access"
	"github.com/geoplatform/arcgis-relay/pkg/httputil"
	"github.com/geoplatform/arcgis-relay/pkg/idp"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
	"github.com/geoplatform/arcgis-relay/pkg/storage"
	"github.com/geoplatform/arcgis-relay/pkg/tokens"
)

// handleAuth starts a login by redirecting to the identity provider
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	nonce, err := tokens.GenerateNonce()
	if err != nil {
		logger.WithError(err).Error("Failed to generate nonce")
		httputil.WriteInternalError(w)
		return
	}

	var ticket flowTicket
	state := tokens.OIDCState()
	if s.cfg.IdP.LegacySharedState {
		ticket = flowTicket{Nonce: nonce}
	} else {
		if state, err = tokens.GenerateNonce(); err != nil {
			logger.WithError(err).Error("Failed to generate state")
			httputil.WriteInternalError(w)
			return
		}
		ticket = flowTicket{ID: uuid.NewString()}
		flow := storage.Flow{State: state, Nonce: nonce, CreatedAt: time.Now()}
		if err := s.store.PutFlow(ctx, ticket.ID, flow, flowTTL); err != nil {
			logger.WithError(err).Error("Failed to store login flow")
			httputil.WriteInternalError(w)
			return
		}
	}

	target, err := s.bridge.AuthorizeURL(state, nonce)
	if err != nil {
		logger.WithError(err).Error("Failed to build authorization URL")
		httputil.WriteInternalError(w)
		return
	}

	if err := s.cookies.set(w, flowCookie, ticket, flowTTL); err != nil {
		logger.WithError(err).Error("Failed to set flow cookie")
		httputil.WriteInternalError(w)
		return
	}
	httputil.Redirect(w, r, target)
}

// consumeFlow returns the state and nonce of the browser's login flow. A
// flow can be consumed once.
func (s *Server) consumeFlow(w http.ResponseWriter, r *http.Request) (storage.Flow, error) {
	var ticket flowTicket
	if err := s.cookies.get(r, flowCookie, &ticket); err != nil {
		return storage.Flow{}, storage.ErrNotFound
	}
	s.cookies.clear(w, flowCookie)

	if s.cfg.IdP.LegacySharedState {
		return storage.Flow{State: tokens.OIDCState(), Nonce: ticket.Nonce}, nil
	}
	if ticket.ID == "" {
		return storage.Flow{}, storage.ErrNotFound
	}
	return s.store.ConsumeFlow(r.Context(), ticket.ID)
}

// handleCallback completes the upstream login and applies the access policy
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)
	q := r.URL.Query()

	if idpErr := q.Get("error"); idpErr != "" {
		logger.WithFields(map[string]interface{}{
			"error":             idpErr,
			"error_description": q.Get("error_description"),
		}).Warn("Identity provider returned an error")
		httputil.WriteBadRequest(w, "Error: Login was not completed")
		return
	}

	code := q.Get("code")
	if code == "" {
		httputil.WriteBadRequest(w, "Authorization code missing")
		return
	}

	flow, err := s.consumeFlow(w, r)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.WithError(err).Error("Failed to load login flow")
			httputil.WriteInternalError(w)
			return
		}
		httputil.WriteBadRequest(w, "Error: Login session expired")
		return
	}
	if subtle.ConstantTimeCompare([]byte(flow.State), []byte(q.Get("state"))) != 1 {
		logger.Warn("OIDC state mismatch")
		httputil.WriteBadRequest(w, "Error: Invalid state")
		return
	}

	info, err := s.bridge.Complete(ctx, code, flow.Nonce)
	if err != nil {
		entry := logger.WithError(err)
		var upstream *idp.UpstreamError
		if errors.As(err, &upstream) {
			entry = entry.WithFields(map[string]interface{}{"status": upstream.Status, "body": upstream.Body})
		}
		entry.Error("Upstream login failed")
		httputil.WriteText(w, idp.HTTPStatus(err), idp.PublicMessage(err))
		return
	}

	decision, err := s.engine.Decide(ctx, info)
	if err != nil {
		logger.WithError(err).Error("Access decision failed")
		httputil.WriteInternalError(w)
		return
	}
	logger.WithFields(map[string]interface{}{
		"email":   info.Email,
		"outcome": decision.Outcome.String(),
		"reason":  decision.Reason,
	}).Info("Access decision")

	if decision.Outcome != access.OutcomeDeny {
		if err := s.cookies.setUserInfo(w, info); err != nil {
			logger.WithError(err).Error("Failed to set userinfo cookie")
			httputil.WriteInternalError(w)
			return
		}
	}
	httputil.Redirect(w, r, decision.RedirectURL)
}

// handleHandoff consumes the userinfo cookie and hands the user to the
// portal with a relay authorization code.
func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	info, err := s.cookies.userInfo(r)
	if err != nil {
		httputil.WriteBadRequest(w, "Error: UID missing in user info")
		return
	}
	s.cookies.clear(w, userInfoCookie)

	code, err := tokens.GenerateAuthCode(tokens.DefaultAuthCodeBytes)
	if err != nil {
		logger.WithError(err).Error("Failed to generate auth code")
		httputil.WriteInternalError(w)
		return
	}
	token, err := s.signer.Sign(s.cfg.ArcGIS.ClientURL, s.cfg.ArcGIS.OIDCClientID)
	if err != nil {
		logger.WithError(err).Error("Failed to sign access token")
		httputil.WriteInternalError(w)
		return
	}

	if err := s.store.PutAuthCode(ctx, code, token, codeTTL); err != nil {
		logger.WithError(err).Error("Failed to store auth code")
		httputil.WriteInternalError(w)
		return
	}
	if err := s.store.PutUserInfo(ctx, token, info, codeTTL); err != nil {
		logger.WithError(err).Error("Failed to store userinfo")
		httputil.WriteInternalError(w)
		return
	}

	target, err := url.Parse(s.cfg.ArcGIS.LoginRedirectURL)
	if err != nil {
		logger.WithError(err).Error("Invalid portal login redirect URL")
		httputil.WriteInternalError(w)
		return
	}
	query := target.Query()
	query.Set("code", code)
	target.RawQuery = query.Encode()

	logger.WithField("email", info.Email).Info("Handing off to portal")
	httputil.Redirect(w, r, target.String())
}

type selectPage struct {
	Action    string
	Email     string
	FirstName string
	LastName  string
	Options   []access.Option
}

// handleSelectForm renders the group self-selection form
func (s *Server) handleSelectForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := selectPage{
		Action:    s.cfg.SelectionURL(),
		Email:     q.Get("email"),
		FirstName: firstOf(q.Get("firstname"), q.Get("first_name")),
		LastName:  firstOf(q.Get("lastname"), q.Get("last_name")),
		Options:   s.engine.SelectionOptions(),
	}
	s.render(w, r, http.StatusOK, "select.html", page)
}

// handleSelectSubmit accepts a selection for the user whose login is in
// progress and continues to the portal.
func (s *Server) handleSelectSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "Invalid submission")
		return
	}
	group := r.PostForm.Get("group")
	email := r.PostForm.Get("email")
	if group == "" || email == "" {
		httputil.WriteBadRequest(w, "Invalid submission")
		return
	}

	info, err := s.cookies.userInfo(r)
	if err != nil || !sameEmail(info.Email, email) {
		logger.WithField("email", email).Warn("Selection submitted without a matching login")
		httputil.WriteBadRequest(w, "Invalid submission")
		return
	}

	_, err = s.engine.AcceptSelection(ctx, info.Email, group)
	switch {
	case errors.Is(err, access.ErrInvalidSelection):
		httputil.WriteBadRequest(w, "Invalid submission")
		return
	case errors.Is(err, access.ErrDisallowed):
		s.cookies.clear(w, userInfoCookie)
		httputil.Redirect(w, r, s.cfg.DenialURL())
		return
	case err != nil:
		logger.WithError(err).Error("Failed to accept group selection")
		httputil.WriteInternalError(w)
		return
	}

	if info.GivenName == "" {
		info.GivenName = r.PostForm.Get("firstname")
	}
	if info.FamilyName == "" {
		info.FamilyName = r.PostForm.Get("lastname")
	}
	if err := s.cookies.setUserInfo(w, info); err != nil {
		logger.WithError(err).Error("Failed to set userinfo cookie")
		httputil.WriteInternalError(w)
		return
	}
	httputil.Redirect(w, r, s.cfg.HandoffURL())
}

type denialPage struct {
	DelaySeconds int
	PublicURL    string
}

// handleDenied renders the "not in allowed groups" page. Its settings are
// cached in Redis for a day.
func (s *Server) handleDenied(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	settings, err := s.store.GetPageSettings(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		settings = storage.PageSettings{
			RedirectDelay: s.cfg.Policy.DenialRedirectDelay,
			PublicURL:     s.cfg.Policy.PublicURL,
		}
		err = s.store.PutPageSettings(ctx, settings, pageSettingsTTL)
	}
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("Failed to load denial page settings")
		httputil.WriteText(w, http.StatusInternalServerError, "An error occurred while fetching data from Redis.")
		return
	}

	s.render(w, r, http.StatusOK, "denied.html", denialPage{
		DelaySeconds: int(settings.RedirectDelay / time.Second),
		PublicURL:    settings.PublicURL,
	})
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sameEmail(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	return a != "" && a == strings.ToLower(strings.TrimSpace(b))
}
