package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetdesk/authgate/pkg/auth"
	"github.com/assetdesk/authgate/pkg/health"
	"github.com/assetdesk/authgate/pkg/sso"
)

func testCertificatePEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func samlProvider(t *testing.T) *sso.ProviderConfig {
	t.Helper()
	return &sso.ProviderConfig{
		ID:      "okta",
		Kind:    sso.ProviderKindSAML,
		Enabled: true,
		SAML: &sso.SAMLConfig{
			EntityID:    "https://idp.example.com",
			SSOURL:      "https://idp.example.com/sso",
			Certificate: testCertificatePEM(t),
			SPEntityID:  "https://portal.example.com",
			CallbackURL: "https://portal.example.com/auth/sso/okta/callback",
			Audience:    "https://portal.example.com",
		},
	}
}

func newTestGateway(t *testing.T, providers []*sso.ProviderConfig, monitor *health.Monitor, localEnabled bool) *Gateway {
	t.Helper()
	signer, err := sso.NewStateSigner([]byte("test-secret"))
	require.NoError(t, err)

	log := logrus.New()
	local := auth.NewLocalAuthenticator(nil, nil, localEnabled, log)
	gw, err := New(providers, signer, sso.NewMemoryReplayCache(16, time.Minute), nil, local, monitor, nil, log)
	require.NoError(t, err)
	return gw
}

func newTestRouter(gw *Gateway) *mux.Router {
	r := mux.NewRouter()
	NewHandlers(gw).RegisterRoutes(r)
	return r
}

func TestLoginRedirectsToProvider(t *testing.T) {
	gw := newTestGateway(t, []*sso.ProviderConfig{samlProvider(t)}, nil, false)
	router := newTestRouter(gw)

	req := httptest.NewRequest(http.MethodGet, "/auth/sso/okta/login", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location.String(), "https://idp.example.com/sso"))
	assert.NotEmpty(t, location.Query().Get("SAMLRequest"))

	var stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookieName {
			stateCookie = c
		}
	}
	require.NotNil(t, stateCookie, "login must set the state cookie")
	assert.True(t, stateCookie.HttpOnly)
	assert.Equal(t, location.Query().Get("RelayState"), stateCookie.Value,
		"the cookie and the RelayState carry the same token")
	assert.True(t, gw.ValidateState(stateCookie.Value))
}

func TestLoginUnknownProvider(t *testing.T) {
	gw := newTestGateway(t, nil, nil, false)
	router := newTestRouter(gw)

	req := httptest.NewRequest(http.MethodGet, "/auth/sso/ghost/login", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoginDuringMaintenance(t *testing.T) {
	monitor := health.NewMonitor(health.Options{}, nil, nil)
	monitor.SetMaintenance(true)
	gw := newTestGateway(t, []*sso.ProviderConfig{samlProvider(t)}, monitor, false)
	router := newTestRouter(gw)

	req := httptest.NewRequest(http.MethodGet, "/auth/sso/okta/login", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "maintenance_mode")
}

func TestLoginDegradedProviderSuggestsLocalFallback(t *testing.T) {
	monitor := health.NewMonitor(health.Options{
		FallbackAfterFailures: 1,
		LocalAuthEnabled:      true,
	}, nil, nil)
	monitor.Track("okta", health.ProberFunc(func(ctx context.Context) error { return assert.AnError }))
	monitor.HandleFailure("okta", assert.AnError)

	gw := newTestGateway(t, []*sso.ProviderConfig{samlProvider(t)}, monitor, true)
	router := newTestRouter(gw)

	req := httptest.NewRequest(http.MethodGet, "/auth/sso/okta/login", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider_degraded")
	assert.Contains(t, rec.Body.String(), "/auth/local/login")
}

func TestCallbackStateMismatch(t *testing.T) {
	gw := newTestGateway(t, []*sso.ProviderConfig{samlProvider(t)}, nil, false)
	router := newTestRouter(gw)

	form := url.Values{}
	form.Set("SAMLResponse", "irrelevant")
	form.Set("RelayState", "forged-state")
	req := httptest.NewRequest(http.MethodPost, "/auth/sso/okta/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// No state cookie at all.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "state parameter mismatch")
}

func TestCallbackDoesNotEchoProviderStatusMessage(t *testing.T) {
	gw := newTestGateway(t, []*sso.ProviderConfig{samlProvider(t)}, nil, false)
	router := newTestRouter(gw)

	state, err := gw.GenerateState()
	require.NoError(t, err)
	encoded := state.Encode()

	response := `<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_r1" Version="2.0" IssueInstant="2026-01-01T00:00:00Z">` +
		`<samlp:Status>` +
		`<samlp:StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Requester"/>` +
		`<samlp:StatusMessage>upstream diagnostic text</samlp:StatusMessage>` +
		`</samlp:Status>` +
		`</samlp:Response>`

	form := url.Values{}
	form.Set("SAMLResponse", base64.StdEncoding.EncodeToString([]byte(response)))
	form.Set("RelayState", encoded)
	req := httptest.NewRequest(http.MethodPost, "/auth/sso/okta/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: encoded})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), string(sso.FailureProtocolStatus))
	// The IdP's status message is diagnostics for the logs, never the caller.
	assert.NotContains(t, rec.Body.String(), "upstream diagnostic text")
	assert.NotContains(t, rec.Body.String(), `"detail"`)

	var cleared *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookieName {
			cleared = c
		}
	}
	require.NotNil(t, cleared, "callback must clear the state cookie")
	assert.Equal(t, "/auth", cleared.Path, "clearing must reuse the path the cookie was set with")
	assert.Negative(t, cleared.MaxAge)
}

func TestCallbackUnknownProvider(t *testing.T) {
	gw := newTestGateway(t, nil, nil, false)
	router := newTestRouter(gw)

	req := httptest.NewRequest(http.MethodGet, "/auth/sso/ghost/callback?code=x&state=y", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLocalLoginDisabled(t *testing.T) {
	gw := newTestGateway(t, nil, nil, false)
	router := newTestRouter(gw)

	req := httptest.NewRequest(http.MethodPost, "/auth/local/login",
		strings.NewReader(`{"identifier":"jane@example.com","secret":"hunter2"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLocalLoginMalformedBody(t *testing.T) {
	gw := newTestGateway(t, nil, nil, true)
	router := newTestRouter(gw)

	req := httptest.NewRequest(http.MethodPost, "/auth/local/login", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionWithoutToken(t *testing.T) {
	gw := newTestGateway(t, nil, nil, false)
	router := newTestRouter(gw)

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMetadata(t *testing.T) {
	gw := newTestGateway(t, []*sso.ProviderConfig{samlProvider(t)}, nil, false)
	router := newTestRouter(gw)

	req := httptest.NewRequest(http.MethodGet, "/auth/sso/okta/metadata", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "EntityDescriptor")
	assert.Contains(t, rec.Body.String(), "https://portal.example.com")
}

func TestProviderHealthEndpoint(t *testing.T) {
	monitor := health.NewMonitor(health.Options{FallbackAfterFailures: 3}, nil, nil)
	monitor.Track("okta", health.ProberFunc(func(ctx context.Context) error { return nil }))

	gw := newTestGateway(t, []*sso.ProviderConfig{samlProvider(t)}, monitor, false)
	router := newTestRouter(gw)

	req := httptest.NewRequest(http.MethodGet, "/auth/sso/okta/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy":true`)
	assert.Contains(t, rec.Body.String(), `"strategy":"QUEUE_REQUESTS"`)
}

func TestSetMaintenanceEndpoint(t *testing.T) {
	monitor := health.NewMonitor(health.Options{}, nil, nil)
	gw := newTestGateway(t, nil, monitor, false)
	router := newTestRouter(gw)

	req := httptest.NewRequest(http.MethodPut, "/admin/maintenance", strings.NewReader(`{"enabled":true}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, monitor.InMaintenance())
}

func samlProviderNamed(t *testing.T, id, sloURL string) *sso.ProviderConfig {
	t.Helper()
	cfg := samlProvider(t)
	cfg.ID = id
	cfg.SAML.SLOUrl = sloURL
	cfg.SAML.CallbackURL = "https://portal.example.com/auth/sso/" + id + "/callback"
	return cfg
}

func TestLogoutTargetsOriginatingProvider(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	issuer := auth.NewIssuer(auth.NewUserStore(db), auth.NewSessionStore(db), auth.RoleRequester)

	signer, err := sso.NewStateSigner([]byte("test-secret"))
	require.NoError(t, err)
	log := logrus.New()
	providers := []*sso.ProviderConfig{
		samlProviderNamed(t, "idp-a", "https://idp-a.example.com/slo"),
		samlProviderNamed(t, "idp-b", "https://idp-b.example.com/slo"),
	}
	local := auth.NewLocalAuthenticator(nil, nil, false, log)
	gw, err := New(providers, signer, sso.NewMemoryReplayCache(16, time.Minute), issuer, local, nil, nil, log)
	require.NoError(t, err)

	token, tokenHash, err := auth.NewCredentialGenerator().Generate()
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery("FROM sessions").
		WithArgs(tokenHash).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "user_id", "token_hash", "provider_id", "saml_session_index", "created_at", "expires_at", "last_activity_at"}).
			AddRow("sess-uuid", int64(7), tokenHash, "idp-b", "sess-9", now, now.Add(time.Hour), now))
	mock.ExpectExec("UPDATE sessions SET last_activity_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM sessions WHERE id =").
		WithArgs("sess-uuid").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sloURL, err := gw.Logout(token)
	require.NoError(t, err)
	assert.Contains(t, sloURL, "idp-b.example.com",
		"the session index goes to the provider that issued the session")
	assert.NotContains(t, sloURL, "idp-a.example.com")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	assert.Empty(t, extractToken(req))

	req.Header.Set("Authorization", "Bearer adg_abc")
	assert.Equal(t, "adg_abc", extractToken(req))

	req = httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "adg_xyz"})
	assert.Equal(t, "adg_xyz", extractToken(req))
}

func TestFailureStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, failureStatus(sso.FailureConfigurationMissing))
	assert.Equal(t, http.StatusBadGateway, failureStatus(sso.FailureTokenExchange))
	assert.Equal(t, http.StatusBadGateway, failureStatus(sso.FailureProfileFetch))
	assert.Equal(t, http.StatusUnauthorized, failureStatus(sso.FailureSignatureInvalid))
	assert.Equal(t, http.StatusUnauthorized, failureStatus(sso.FailureReplayDetected))
}
