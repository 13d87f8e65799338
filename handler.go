package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/veridianlabs/idp/instrumentation"
	"github.com/veridianlabs/idp/keystore"
	"github.com/veridianlabs/idp/security"
	"github.com/veridianlabs/idp/server"
	"github.com/veridianlabs/idp/storage"
)

const (
	sessionCookieName = "idp_session"
	nonceCookieName   = "idp_fed_nonce"
)

// Handler is the HTTP front of the identity provider. It owns the router,
// cookie handling, and request/response translation; all protocol decisions
// live in the issuance engine.
type Handler struct {
	server *server.Server
	keys   *keystore.Store
	logger *slog.Logger

	issuerPath        string
	secureCookies     bool
	trustProxy        bool
	trustedProxyCount int

	registrationLimiter *security.ClientRegistrationRateLimiter
	metrics             *instrumentation.Metrics

	router chi.Router
}

// NewHandler builds the HTTP layer on top of an issuance engine.
func NewHandler(srv *server.Server, keys *keystore.Store, cfg *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:              srv,
		keys:                keys,
		logger:              logger,
		issuerPath:          cfg.IssuerPath(),
		secureCookies:       strings.HasPrefix(cfg.Issuer, "https://"),
		trustProxy:          cfg.TrustProxy,
		trustedProxyCount:   cfg.TrustedProxyCount,
		registrationLimiter: security.NewClientRegistrationRateLimiter(logger),
	}
	h.router = h.buildRouter()
	return h
}

// SetMetrics attaches the request metrics pipeline.
func (h *Handler) SetMetrics(m *instrumentation.Metrics) {
	h.metrics = m
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(h.httpMetrics)
	r.Use(h.securityHeaders)

	r.Route(h.issuerPath, func(r chi.Router) {
		// Discovery and JWKS are cacheable, unauthenticated metadata; they
		// stay outside the rate-limited group.
		r.Get("/.well-known/openid-configuration", h.serveDiscovery)
		r.Get("/jwks", h.serveJWKS)

		r.Group(func(r chi.Router) {
			r.Use(h.rateLimit)

			r.Get("/authorize", h.serveAuthorize)
			r.Post("/authorize", h.serveAuthorize)
			r.Get("/authorize/{uid}", h.serveAuthorizeResume)

			r.Post("/token", h.serveToken)
			r.Post("/device_authorization", h.serveDeviceAuthorization)
			r.Post("/par", h.servePushedAuthorization)
			r.Post("/revoke", h.serveRevocation)
			r.Post("/register", h.serveRegistration)
			r.Get("/register/{clientID}", h.serveRegistrationRead)

			r.Get("/device", h.serveDevicePage)
			r.Post("/device", h.serveDeviceLookup)
			r.Post("/device/approve", h.serveDeviceApprove)
			r.Post("/device/deny", h.serveDeviceDeny)

			r.Route("/interaction", func(r chi.Router) {
				r.Get("/callback/{upstream}", h.serveFederatedCallback)
				r.Get("/{uid}", h.serveInteraction)
				r.Get("/{uid}/register", h.serveInteractionRegisterPage)
				r.Post("/{uid}/login", h.serveInteractionLogin)
				r.Post("/{uid}/register", h.serveInteractionRegister)
				r.Post("/{uid}/confirm", h.serveInteractionConfirm)
				r.Get("/{uid}/abort", h.serveInteractionAbort)
				r.Post("/{uid}/federated", h.serveInteractionFederated)
			})
		})
	})

	return r
}

// httpMetrics records request count and latency per matched route pattern,
// so interaction uids and user codes never become metric label values.
func (h *Handler) httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		h.metrics.RecordHTTPRequest(r.Context(), r.Method, route, ww.Status(),
			float64(time.Since(start))/float64(time.Millisecond))
	})
}

// rateLimit drops requests over the per-IP budget before any engine work
// happens. With no limiter installed every request passes.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := h.clientIP(r)
		if !h.server.AllowRequest(ip) {
			h.logger.Warn("Request rate limit exceeded", "ip", ip, "path", r.URL.Path)
			h.writeOAuthError(w, server.NewOAuthError(server.ErrorCodeRateLimitExceeded,
				"too many requests", http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders applies the standard response header set to every request.
func (h *Handler) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.trustProxy, h.trustedProxyCount)
}

// ---- discovery ----

func (h *Handler) serveDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := h.server.Config.Issuer
	meta := ProviderMetadata{
		Issuer:                             issuer,
		AuthorizationEndpoint:              issuer + "/authorize",
		TokenEndpoint:                      issuer + "/token",
		JWKSURI:                            issuer + "/jwks",
		RegistrationEndpoint:               issuer + "/register",
		DeviceAuthorizationEndpoint:        issuer + "/device_authorization",
		PushedAuthorizationRequestEndpoint: issuer + "/par",
		RevocationEndpoint:                 issuer + "/revoke",
		ScopesSupported:                    h.server.Config.SupportedScopes,
		ResponseTypesSupported:             []string{"code"},
		GrantTypesSupported: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeRefreshToken,
			server.GrantTypeClientCredentials,
			server.GrantTypeDeviceCode,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{keystore.AlgES256},
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodNone,
			server.TokenEndpointAuthMethodBasic,
			server.TokenEndpointAuthMethodPost,
		},
		CodeChallengeMethodsSupported: []string{server.PKCEMethodS256},
		ClaimsSupported:               []string{"sub", "email", "email_verified", "name", "picture", "locale"},
		AuthorizationResponseIssParameterSupported: true,
	}
	h.writeJSON(w, http.StatusOK, meta)
}

func (h *Handler) serveJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.PublicJWKS(r.Context())
	if err != nil {
		h.logger.Error("Failed to build public JWKS", "error", err)
		h.writeOAuthError(w, server.ErrServerError("key material unavailable"))
		return
	}
	buf, err := json.Marshal(set)
	if err != nil {
		h.writeOAuthError(w, server.ErrServerError("failed to serialize JWKS"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf)
}

// ---- authorization ----

func (h *Handler) serveAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request"))
		return
	}
	q := r.Form

	params := &storage.AuthorizationParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Prompt:              q.Get("prompt"),
		Connection:          q.Get("connection"),
		Resource:            q.Get("resource"),
	}

	// A pushed request handle replaces the inline parameters entirely.
	if requestURI := q.Get("request_uri"); requestURI != "" {
		resolved, oerr := h.server.ResolvePushedRequest(r.Context(), params.ClientID, requestURI)
		if oerr != nil {
			h.writeOAuthError(w, oerr)
			return
		}
		resolved.ClientID = params.ClientID
		params = resolved
	}

	result, oerr := h.server.Authorize(r.Context(), params, h.readSessionUID(r))
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	if result.SessionUID != "" {
		h.writeSessionCookie(w, r, result.SessionUID)
	}
	http.Redirect(w, r, result.RedirectTo, http.StatusSeeOther)
}

func (h *Handler) serveAuthorizeResume(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	result, oerr := h.server.ResumeAuthorization(r.Context(), uid, h.readSessionUID(r))
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	if result.SessionUID != "" {
		h.writeSessionCookie(w, r, result.SessionUID)
	}
	http.Redirect(w, r, result.RedirectTo, http.StatusSeeOther)
}

// ---- token / management endpoints ----

func (h *Handler) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request body"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	req := &server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		DeviceCode:   r.PostForm.Get("device_code"),
		Scope:        r.PostForm.Get("scope"),
		Resource:     r.PostForm.Get("resource"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}

	resp, oerr := h.server.Token(r.Context(), req)
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) serveDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request body"))
		return
	}
	clientID, clientSecret := h.clientCredentials(r)

	resp, oerr := h.server.DeviceAuthorization(r.Context(), clientID, clientSecret, r.PostForm.Get("scope"))
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) servePushedAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request body"))
		return
	}
	if r.PostForm.Get("request_uri") != "" {
		// RFC 9126: a request_uri cannot itself be pushed.
		h.writeOAuthError(w, server.ErrInvalidRequest("request_uri is not allowed in a pushed request"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	params := &storage.AuthorizationParams{
		ClientID:            clientID,
		RedirectURI:         r.PostForm.Get("redirect_uri"),
		ResponseType:        r.PostForm.Get("response_type"),
		Scope:               r.PostForm.Get("scope"),
		State:               r.PostForm.Get("state"),
		Nonce:               r.PostForm.Get("nonce"),
		CodeChallenge:       r.PostForm.Get("code_challenge"),
		CodeChallengeMethod: r.PostForm.Get("code_challenge_method"),
		Prompt:              r.PostForm.Get("prompt"),
		Connection:          r.PostForm.Get("connection"),
		Resource:            r.PostForm.Get("resource"),
	}

	resp, oerr := h.server.PushAuthorizationRequest(r.Context(), clientID, clientSecret, params)
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) serveRevocation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request body"))
		return
	}
	clientID, clientSecret := h.clientCredentials(r)

	if oerr := h.server.Revoke(r.Context(), clientID, clientSecret,
		r.PostForm.Get("token"), r.PostForm.Get("token_type_hint")); oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) serveRegistration(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if h.registrationLimiter != nil && !h.registrationLimiter.Allow(clientIP) {
		h.logger.Warn("Client registration rate limit exceeded", "ip", clientIP)
		h.writeOAuthError(w, server.NewOAuthError(server.ErrorCodeRateLimitExceeded,
			"client registration rate limit exceeded", http.StatusTooManyRequests))
		return
	}

	token := bearerToken(r)
	if token == "" {
		h.writeOAuthError(w, server.ErrInvalidToken("registration requires an initial access token"))
		return
	}

	var req server.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed registration request"))
		return
	}

	resp, oerr := h.server.RegisterClient(r.Context(), token, &req)
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// serveRegistrationRead returns the registered metadata for a client,
// authorized by the registration access token minted at registration
// (RFC 7592 read). Secrets are never echoed back.
func (h *Handler) serveRegistrationRead(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		h.writeOAuthError(w, server.ErrInvalidToken("registration access token required"))
		return
	}

	client, oerr := h.server.ClientForRegistrationToken(r.Context(), token)
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	if client.ID != chi.URLParam(r, "clientID") {
		// SECURITY: a valid token for another client must look identical to an
		// invalid token.
		h.writeOAuthError(w, server.ErrInvalidToken("invalid registration access token"))
		return
	}

	h.writeJSON(w, http.StatusOK, server.RegistrationResponse{
		ClientID:                client.ID,
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		ApplicationType:         client.ApplicationType,
	})
}

// ---- device verification pages ----

func (h *Handler) serveDevicePage(w http.ResponseWriter, r *http.Request) {
	h.renderPage(w, deviceLookupTemplate, map[string]any{
		"Action":   h.issuerPath + "/device",
		"UserCode": r.URL.Query().Get("user_code"),
	})
}

func (h *Handler) serveDeviceLookup(w http.ResponseWriter, r *http.Request) {
	if h.requireSessionForDevice(w, r) == "" {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request"))
		return
	}
	userCode := strings.ToUpper(strings.TrimSpace(r.PostForm.Get("user_code")))
	h.renderPage(w, deviceConfirmTemplate, map[string]any{
		"UserCode":   userCode,
		"ApproveURL": h.issuerPath + "/device/approve",
		"DenyURL":    h.issuerPath + "/device/deny",
	})
}

func (h *Handler) serveDeviceApprove(w http.ResponseWriter, r *http.Request) {
	accountID := h.requireSessionForDevice(w, r)
	if accountID == "" {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request"))
		return
	}
	userCode := strings.ToUpper(strings.TrimSpace(r.PostForm.Get("user_code")))

	if oerr := h.server.ApproveDevice(r.Context(), userCode, accountID); oerr != nil {
		h.renderPage(w, deviceDoneTemplate, map[string]any{"Message": "That code is not valid or has expired."})
		return
	}
	h.renderPage(w, deviceDoneTemplate, map[string]any{"Message": "Device approved. You can return to your device."})
}

func (h *Handler) serveDeviceDeny(w http.ResponseWriter, r *http.Request) {
	if h.requireSessionForDevice(w, r) == "" {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request"))
		return
	}
	userCode := strings.ToUpper(strings.TrimSpace(r.PostForm.Get("user_code")))

	if oerr := h.server.DenyDevice(r.Context(), userCode); oerr != nil {
		h.renderPage(w, deviceDoneTemplate, map[string]any{"Message": "That code is not valid or has expired."})
		return
	}
	h.renderPage(w, deviceDoneTemplate, map[string]any{"Message": "Device denied."})
}

// requireSessionForDevice resolves the signed-in account for the device
// verification pages; renders a sign-in hint when there is none.
func (h *Handler) requireSessionForDevice(w http.ResponseWriter, r *http.Request) string {
	uid := h.readSessionUID(r)
	if uid == "" {
		h.renderPage(w, deviceDoneTemplate, map[string]any{
			"Message": "You need to sign in through an application before approving a device.",
		})
		return ""
	}
	accountID := h.server.SessionAccount(r.Context(), uid)
	if accountID == "" {
		h.renderPage(w, deviceDoneTemplate, map[string]any{
			"Message": "Your session has expired. Sign in through an application and try again.",
		})
		return ""
	}
	return accountID
}

// ---- interaction pages ----

func (h *Handler) serveInteraction(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	view, oerr := h.server.GetInteraction(r.Context(), uid, r.URL.Query().Get("connection"))
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	if view.RedirectTo != "" {
		http.Redirect(w, r, view.RedirectTo, http.StatusSeeOther)
		return
	}

	base := h.issuerPath + "/interaction/" + uid
	data := map[string]any{
		"View":        view,
		"LoginURL":    base + "/login",
		"RegisterURL": base + "/register",
		"ConfirmURL":  base + "/confirm",
		"AbortURL":    base + "/abort",
		"FederateURL": base + "/federated",
	}
	switch view.Prompt.Name {
	case "consent":
		h.renderPage(w, consentTemplate, data)
	default:
		h.renderPage(w, loginTemplate, data)
	}
}

func (h *Handler) serveInteractionRegisterPage(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	view, oerr := h.server.GetInteraction(r.Context(), uid, r.URL.Query().Get("connection"))
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	if view.RedirectTo != "" {
		http.Redirect(w, r, view.RedirectTo, http.StatusSeeOther)
		return
	}
	if !view.CanRegister {
		h.writeOAuthError(w, server.ErrInvalidRequest("registration is not available"))
		return
	}

	base := h.issuerPath + "/interaction/" + uid
	h.renderPage(w, registerTemplate, map[string]any{
		"View":        view,
		"RegisterURL": base + "/register",
		"LoginURL":    base,
		"AbortURL":    base + "/abort",
	})
}

func (h *Handler) serveInteractionLogin(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request"))
		return
	}

	redirect, oerr := h.server.CompleteLogin(r.Context(), uid,
		r.PostForm.Get("email"), r.PostForm.Get("password"))
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

func (h *Handler) serveInteractionRegister(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request"))
		return
	}

	redirect, oerr := h.server.CompleteRegister(r.Context(), uid,
		r.PostForm.Get("email"), r.PostForm.Get("password"))
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

func (h *Handler) serveInteractionConfirm(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	redirect, oerr := h.server.Confirm(r.Context(), uid)
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

func (h *Handler) serveInteractionAbort(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	redirect, oerr := h.server.Abort(r.Context(), uid)
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

func (h *Handler) serveInteractionFederated(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request"))
		return
	}

	authURL, nonce, oerr := h.server.StartFederated(r.Context(), uid, r.PostForm.Get("upstream"))
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}

	h.writeNonceCookie(w, nonce)
	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

func (h *Handler) serveFederatedCallback(w http.ResponseWriter, r *http.Request) {
	upstream := chi.URLParam(r, "upstream")
	nonce := h.readNonceCookie(r)
	h.clearNonceCookie(w)

	redirect, oerr := h.server.FederatedCallback(r.Context(), upstream, nonce, r.URL.Query())
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// ---- client credential extraction ----

// clientCredentials resolves client_id/client_secret from Basic auth or the
// form body (client_secret_basic and client_secret_post).
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		id, errID := url.QueryUnescape(id)
		secret, errSecret := url.QueryUnescape(secret)
		if errID == nil && errSecret == nil {
			return id, secret
		}
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// ---- cookies ----

func (h *Handler) cookieKeys(ctx context.Context) [][]byte {
	keys, err := h.keys.CookieKeys(ctx)
	if err != nil {
		h.logger.Error("Failed to load cookie keys", "error", err)
		return nil
	}
	return keys
}

func (h *Handler) readSessionUID(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	uid, ok := security.VerifyCookieValue(cookie.Value, h.cookieKeys(r.Context()))
	if !ok {
		return ""
	}
	return uid
}

func (h *Handler) writeSessionCookie(w http.ResponseWriter, r *http.Request, uid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    security.SignCookieValue(uid, h.cookieKeys(r.Context())),
		Path:     h.issuerPath + "/",
		MaxAge:   int(h.server.Config.SessionTTL),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) writeNonceCookie(w http.ResponseWriter, nonce string) {
	http.SetCookie(w, &http.Cookie{
		Name:     nonceCookieName,
		Value:    nonce,
		Path:     h.issuerPath + "/interaction",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) readNonceCookie(r *http.Request) string {
	cookie, err := r.Cookie(nonceCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (h *Handler) clearNonceCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     nonceCookieName,
		Value:    "",
		Path:     h.issuerPath + "/interaction",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
	})
}

// ---- response helpers ----

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to write JSON response", "error", err)
	}
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oerr *server.OAuthError) {
	status := oerr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

func (h *Handler) renderPage(w http.ResponseWriter, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("Failed to render page", "template", tmpl.Name(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// ---- page templates ----

var pageShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s</title>
<style>
body { font-family: system-ui, sans-serif; background: #f5f5f5; margin: 0; }
.card { max-width: 24rem; margin: 10vh auto; background: #fff; border-radius: 8px;
        padding: 2rem; box-shadow: 0 1px 4px rgba(0,0,0,.15); }
input { width: 100%%; padding: .5rem; margin: .25rem 0 .75rem; box-sizing: border-box; }
button { padding: .5rem 1rem; cursor: pointer; }
.error { color: #b00020; margin-bottom: .75rem; }
.muted { color: #666; font-size: .875rem; }
</style>
</head>
<body><div class="card">%s</div></body>
</html>`

// mustPage parses one self-contained page: the shell with the title and body
// substituted in. Pages share the shell text, not a parsed template tree.
func mustPage(name, title, body string) *template.Template {
	return template.Must(template.New(name).Parse(fmt.Sprintf(pageShell, title, body)))
}

var loginTemplate = mustPage("login", "Sign in", `
<h1>Sign in</h1>
{{if .View.ClientName}}<p class="muted">to continue to {{.View.ClientName}}</p>{{end}}
{{if .View.ErrorDescription}}<p class="error">{{.View.ErrorDescription}}</p>{{end}}
<form method="post" action="{{.LoginURL}}">
<label>Email</label>
<input type="email" name="email" value="{{.View.LoginHint}}" required>
<label>Password</label>
<input type="password" name="password" required>
<button type="submit">Sign in</button>
</form>
{{if .View.CanRegister}}
<details>
<summary class="muted">No account yet? Create one</summary>
<form method="post" action="{{.RegisterURL}}">
<label>Email</label>
<input type="email" name="email" required>
<label>Password</label>
<input type="password" name="password" required>
<button type="submit">Create account</button>
</form>
</details>
{{end}}
{{range .View.Connections}}{{if ne .Kind "db"}}
<form method="post" action="{{$.FederateURL}}">
<input type="hidden" name="upstream" value="{{.Name}}">
<button type="submit">Continue with {{.Name}}</button>
</form>
{{end}}{{end}}
<p><a href="{{.AbortURL}}">Cancel</a></p>
`)

var registerTemplate = mustPage("register", "Create account", `
<h1>Create account</h1>
{{if .View.ClientName}}<p class="muted">to continue to {{.View.ClientName}}</p>{{end}}
{{if .View.ErrorDescription}}<p class="error">{{.View.ErrorDescription}}</p>{{end}}
<form method="post" action="{{.RegisterURL}}">
<label>Email</label>
<input type="email" name="email" value="{{.View.LoginHint}}" required>
<label>Password</label>
<input type="password" name="password" required>
<button type="submit">Create account</button>
</form>
<p class="muted"><a href="{{.LoginURL}}">Already have an account? Sign in</a></p>
<p><a href="{{.AbortURL}}">Cancel</a></p>
`)

var consentTemplate = mustPage("consent", "Authorize", `
<h1>Authorize {{if .View.ClientName}}{{.View.ClientName}}{{else}}this application{{end}}</h1>
<p>The application is requesting access to:</p>
<ul>
{{range .View.Prompt.MissingOIDCScope}}<li>{{.}}</li>{{end}}
{{range $resource, $scopes := .View.Prompt.MissingResourceScopes}}
<li>{{$resource}}: {{range $scopes}}{{.}} {{end}}</li>
{{end}}
</ul>
<form method="post" action="{{.ConfirmURL}}">
<button type="submit">Allow</button>
</form>
<p><a href="{{.AbortURL}}">Deny</a></p>
`)

var deviceLookupTemplate = mustPage("device-lookup", "Connect a device", `
<h1>Connect a device</h1>
<p class="muted">Enter the code shown on your device.</p>
<form method="post" action="{{.Action}}">
<input type="text" name="user_code" value="{{.UserCode}}" placeholder="XXXX-XXXX"
       autocomplete="off" autocapitalize="characters" required>
<button type="submit">Continue</button>
</form>
`)

var deviceConfirmTemplate = mustPage("device-confirm", "Approve device", `
<h1>Approve device</h1>
<p>A device is asking to be connected with code <strong>{{.UserCode}}</strong>.</p>
<form method="post" action="{{.ApproveURL}}" style="display:inline">
<input type="hidden" name="user_code" value="{{.UserCode}}">
<button type="submit">Approve</button>
</form>
<form method="post" action="{{.DenyURL}}" style="display:inline">
<input type="hidden" name="user_code" value="{{.UserCode}}">
<button type="submit">Deny</button>
</form>
`)

var deviceDoneTemplate = mustPage("device-done", "Device", `
<p>{{.Message}}</p>
`)
