package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/assetdesk/authgate/pkg/auth"
	"github.com/assetdesk/authgate/pkg/sso"
)

const (
	stateCookieName   = "authgate_state"
	sessionCookieName = "authgate_session"
)

// Handlers exposes the gateway over HTTP.
type Handlers struct {
	gw *Gateway
}

// NewHandlers creates the HTTP handlers for a gateway.
func NewHandlers(gw *Gateway) *Handlers {
	return &Handlers{gw: gw}
}

// RegisterRoutes attaches all gateway routes to the router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/auth/sso/{provider}/login", h.Login).Methods(http.MethodGet)
	r.HandleFunc("/auth/sso/{provider}/callback", h.Callback).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/auth/sso/{provider}/metadata", h.Metadata).Methods(http.MethodGet)
	r.HandleFunc("/auth/sso/{provider}/health", h.ProviderHealth).Methods(http.MethodGet)
	r.HandleFunc("/auth/local/login", h.LocalLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/session", h.Session).Methods(http.MethodGet)
	r.HandleFunc("/auth/logout", h.Logout).Methods(http.MethodPost)
	r.HandleFunc("/admin/maintenance", h.SetMaintenance).Methods(http.MethodPut)
}

// Login starts an SSO flow: mints a state token, drops it in a cookie, and
// redirects the browser to the provider.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]

	url, state, err := h.gw.LoginURL(providerID)
	if err != nil {
		h.writeStrategyError(w, providerID, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int(sso.StateMaxAge / time.Second),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, url, http.StatusFound)
}

// Callback terminates the provider round-trip: SAML POST binding or OAuth2
// authorization-code redirect, depending on the provider's protocol.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]

	cfg, ok := h.gw.Provider(providerID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	if err := h.gw.checkStrategy(providerID); err != nil {
		h.writeStrategyError(w, providerID, err)
		return
	}

	var outcome sso.ValidationOutcome
	switch cfg.Kind {
	case sso.ProviderKindSAML:
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "malformed form body")
			return
		}
		if !h.stateMatchesCookie(r, r.FormValue("RelayState")) {
			writeError(w, http.StatusUnauthorized, "state parameter mismatch")
			return
		}
		outcome = h.gw.ValidateSAML(r.Context(), providerID, r.FormValue("SAMLResponse"))
	case sso.ProviderKindOAuth:
		state := r.URL.Query().Get("state")
		if !h.stateMatchesCookie(r, state) {
			writeError(w, http.StatusUnauthorized, "state parameter mismatch")
			return
		}
		outcome = h.gw.ValidateOAuth(r.Context(), providerID, r.URL.Query().Get("code"), state)
	}

	clearCookie(w, stateCookieName, "/auth")

	cred, outcome, err := h.gw.Authenticate(r.Context(), providerID, outcome)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session issuance failed")
		return
	}
	if !outcome.OK() {
		// Only the reason code goes on the wire. Detail can carry
		// provider-supplied text and stays in the logs.
		writeError(w, failureStatus(outcome.Reason), string(outcome.Reason))
		return
	}
	h.finishLogin(w, cred)
}

// LocalLogin verifies a local password for an SSO-linked account. Only useful
// while the account's provider is degraded, but callable whenever the
// deployment enables local fallback.
func (h *Handlers) LocalLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Secret     string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cred, err := h.gw.FallbackToLocalAuth(req.Identifier, req.Secret)
	if err != nil {
		switch {
		case errors.Is(err, ErrMaintenanceMode):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, auth.ErrLocalAuthDisabled):
			writeError(w, http.StatusForbidden, "local authentication is disabled")
		default:
			// Same answer for unknown account, SSO-only account, and bad
			// password. Don't leak which it was.
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		}
		return
	}
	h.finishLogin(w, cred)
}

// Session resolves the caller's session token and returns the session record.
func (h *Handlers) Session(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	session, err := h.gw.issuer.Authenticate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": session.ID,
		"user_id":    session.UserID,
		"expires_at": session.ExpiresAt,
	})
}

// Logout revokes the caller's session and, for SAML logins, returns the
// provider's single-logout redirect.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	sloURL, err := h.gw.Logout(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}
	clearCookie(w, sessionCookieName, "/")

	resp := map[string]string{"status": "logged_out"}
	if sloURL != "" {
		resp["slo_url"] = sloURL
	}
	writeJSON(w, http.StatusOK, resp)
}

// Metadata serves the service-provider metadata document for SAML providers.
func (h *Handlers) Metadata(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]
	redirector, ok := h.gw.samlLogin[providerID]
	if !ok {
		writeError(w, http.StatusNotFound, "no SAML provider with that id")
		return
	}
	doc, err := redirector.Metadata()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build metadata")
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// ProviderHealth returns the availability monitor's view of one provider.
func (h *Handlers) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]
	record, ok := h.gw.GetProviderHealth(providerID)
	if !ok {
		writeError(w, http.StatusNotFound, "provider is not tracked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":             providerID,
		"healthy":              record.Healthy,
		"consecutive_failures": record.ConsecutiveFailures,
		"fallback_active":      record.FallbackActive,
		"last_checked_at":      record.LastCheckedAt,
		"strategy":             string(h.gw.GetFallbackStrategy(providerID)),
	})
}

// SetMaintenance toggles the operator maintenance flag.
func (h *Handlers) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if h.gw.monitor == nil {
		writeError(w, http.StatusConflict, "availability monitor is not running")
		return
	}
	h.gw.monitor.SetMaintenance(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"maintenance": req.Enabled})
}

// finishLogin sets the session cookie and returns the credential.
func (h *Handlers) finishLogin(w http.ResponseWriter, cred *auth.SessionCredential) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    cred.Token,
		Path:     "/",
		Expires:  cred.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      cred.Token,
		"session_id": cred.SessionID,
		"user_id":    cred.UserID,
		"expires_at": cred.ExpiresAt,
	})
}

// stateMatchesCookie checks the returned state against the login cookie. The
// HMAC signature and age are verified separately; this binds the callback to
// the browser that started the flow.
func (h *Handlers) stateMatchesCookie(r *http.Request, state string) bool {
	if state == "" {
		return false
	}
	cookie, err := r.Cookie(stateCookieName)
	if err != nil || cookie.Value != state {
		return false
	}
	return h.gw.ValidateState(state)
}

func (h *Handlers) writeStrategyError(w http.ResponseWriter, providerID string, err error) {
	switch {
	case errors.Is(err, ErrMaintenanceMode):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "maintenance_mode",
			"hint":  err.Error(),
		})
	case errors.Is(err, ErrProviderDegraded):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "provider_degraded",
			"hint":  "authenticate with your local password at /auth/local/login",
		})
	case errors.Is(err, ErrRetryShortly):
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "provider_unavailable",
			"hint":  err.Error(),
		})
	case errors.Is(err, ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "unknown provider")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// failureStatus maps a validation failure to an HTTP status. Everything that
// rejects the caller's material is 401; config gaps and transport failures
// are the gateway's problem, not the caller's.
func failureStatus(reason sso.FailureReason) int {
	switch reason {
	case sso.FailureConfigurationMissing:
		return http.StatusNotFound
	case sso.FailureTokenExchange, sso.FailureProfileFetch:
		return http.StatusBadGateway
	default:
		return http.StatusUnauthorized
	}
}

func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimPrefix(header, "Bearer ")
		}
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// clearCookie must use the same path the cookie was set with; browsers scope
// cookies by path and leave mismatched ones in place.
func clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
