package api

import (
	"crypto/subtle"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/jwtauth/v5"

	"github.com/marcus/fieldsync/internal/serverdb"
)

// Grant types accepted by POST /oauth/token.
const (
	grantDeviceCode   = "urn:ietf:params:oauth:grant-type:device_code"
	grantRefreshToken = "refresh_token"
)

//go:embed templates/verify.html
var verifyFS embed.FS

var verifyTmpl = template.Must(template.ParseFS(verifyFS, "templates/verify.html"))

// verifyPageData holds template data for the verify page.
type verifyPageData struct {
	UserCode string
	NeedsKey bool
	Error    string
	Success  bool
	Denied   bool
	WorkerID int64
}

// deviceCodeResponse is the RFC 8628 device authorization response.
type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// tokenResponse is the RFC 6749 access token response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// MintToken signs an access token for workerID. A ttl of zero uses the
// configured token lifetime.
func (s *Server) MintToken(workerID int64, ttl time.Duration) (string, time.Time, error) {
	if workerID <= 0 {
		return "", time.Time{}, fmt.Errorf("invalid worker id %d", workerID)
	}
	if ttl <= 0 {
		ttl = s.config.TokenTTL
	}
	expiry := time.Now().Add(ttl).Truncate(time.Second)
	claims := map[string]any{"sub": strconv.FormatInt(workerID, 10)}
	jwtauth.SetIssuedNow(claims)
	jwtauth.SetExpiry(claims, expiry)

	_, signed, err := s.tokenAuth.Encode(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	s.metrics.RecordTokenIssued()
	return signed, expiry, nil
}

// issueTokens builds a token response with a fresh access token. A refresh
// token is included when refresh is non-empty.
func (s *Server) issueTokens(workerID int64, refresh string) (tokenResponse, error) {
	access, expiry, err := s.MintToken(workerID, 0)
	if err != nil {
		return tokenResponse{}, err
	}
	return tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(time.Until(expiry).Seconds()),
		RefreshToken: refresh,
	}, nil
}

// handleDeviceCode handles POST /oauth/device/code.
func (s *Server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, r, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}
	clientID := strings.TrimSpace(r.PostFormValue("client_id"))
	if clientID == "" {
		writeOAuthError(w, r, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}

	ar, err := s.store.CreateAuthRequest(r.Context(), clientID)
	if err != nil {
		logFor(r.Context()).Error("create auth request", "err", err)
		writeOAuthError(w, r, http.StatusInternalServerError, "server_error", "failed to create auth request")
		return
	}

	logFor(r.Context()).Info("device login started", "client", clientID, "ip", clientIP(r))
	verifyURI := s.config.BaseURL + "/device"
	writeJSON(w, r, http.StatusOK, deviceCodeResponse{
		DeviceCode:              ar.DeviceCode,
		UserCode:                ar.UserCode,
		VerificationURI:         verifyURI,
		VerificationURIComplete: verifyURI + "?" + url.Values{"user_code": {ar.UserCode}}.Encode(),
		ExpiresIn:               int(serverdb.AuthRequestTTL.Seconds()),
		Interval:                serverdb.PollInterval,
	})
}

// handleToken handles POST /oauth/token for the device code and refresh
// token grants.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, r, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}

	switch grant := r.PostFormValue("grant_type"); grant {
	case grantDeviceCode:
		s.tokenFromDeviceCode(w, r)
	case grantRefreshToken:
		s.tokenFromRefresh(w, r)
	case "":
		writeOAuthError(w, r, http.StatusBadRequest, "invalid_request", "grant_type is required")
	default:
		writeOAuthError(w, r, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type "+grant)
	}
}

func (s *Server) tokenFromDeviceCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceCode := r.PostFormValue("device_code")
	if deviceCode == "" {
		writeOAuthError(w, r, http.StatusBadRequest, "invalid_request", "device_code is required")
		return
	}

	ar, err := s.store.GetAuthRequestByDeviceCode(ctx, deviceCode)
	if err != nil {
		logFor(ctx).Error("get auth request", "err", err)
		writeOAuthError(w, r, http.StatusInternalServerError, "server_error", "failed to get auth request")
		return
	}
	if ar == nil {
		writeOAuthError(w, r, http.StatusBadRequest, "invalid_grant", "unknown device code")
		return
	}
	if id := r.PostFormValue("client_id"); id != "" && id != ar.ClientID {
		writeOAuthError(w, r, http.StatusBadRequest, "invalid_grant", "device code was issued to another client")
		return
	}

	switch {
	case ar.Status == serverdb.AuthStatusUsed:
		writeOAuthError(w, r, http.StatusBadRequest, "invalid_grant", "device code already used")
		return
	case ar.Status == serverdb.AuthStatusDenied:
		writeOAuthError(w, r, http.StatusBadRequest, "access_denied", "the login was denied")
		return
	case ar.Status == serverdb.AuthStatusExpired || ar.ExpiresAt.Before(time.Now().UTC()):
		writeOAuthError(w, r, http.StatusBadRequest, "expired_token", "the device code has expired")
		return
	case ar.Status == serverdb.AuthStatusPending:
		writeOAuthError(w, r, http.StatusBadRequest, "authorization_pending", "waiting for approval")
		return
	}

	completed, err := s.store.CompleteAuthRequest(ctx, deviceCode)
	if err != nil {
		logFor(ctx).Error("complete auth request", "err", err)
		writeOAuthError(w, r, http.StatusInternalServerError, "server_error", "failed to complete auth request")
		return
	}
	if completed == nil || completed.WorkerID == nil {
		writeOAuthError(w, r, http.StatusBadRequest, "invalid_grant", "device code already used")
		return
	}

	logFor(ctx).Info("device login complete", "worker", *completed.WorkerID)
	s.respondTokens(w, r, *completed.WorkerID)
}

func (s *Server) tokenFromRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	plain := r.PostFormValue("refresh_token")
	if plain == "" {
		writeOAuthError(w, r, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	workerID, next, err := s.store.RotateRefreshToken(ctx, plain)
	if errors.Is(err, serverdb.ErrInvalidGrant) {
		writeOAuthError(w, r, http.StatusBadRequest, "invalid_grant", "refresh token is invalid or expired")
		return
	}
	if err != nil {
		logFor(ctx).Error("rotate refresh token", "err", err)
		writeOAuthError(w, r, http.StatusInternalServerError, "server_error", "failed to refresh token")
		return
	}

	resp, err := s.issueTokens(workerID, next)
	if err != nil {
		logFor(ctx).Error("issue access token", "err", err)
		writeOAuthError(w, r, http.StatusInternalServerError, "server_error", "failed to issue token")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, r, http.StatusOK, resp)
}

// respondTokens writes a new access and refresh token pair for workerID.
func (s *Server) respondTokens(w http.ResponseWriter, r *http.Request, workerID int64) {
	refresh, err := s.store.IssueRefreshToken(r.Context(), workerID)
	if err != nil {
		logFor(r.Context()).Error("issue refresh token", "err", err)
		writeOAuthError(w, r, http.StatusInternalServerError, "server_error", "failed to issue token")
		return
	}
	resp, err := s.issueTokens(workerID, refresh)
	if err != nil {
		logFor(r.Context()).Error("issue access token", "err", err)
		writeOAuthError(w, r, http.StatusInternalServerError, "server_error", "failed to issue token")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, r, http.StatusOK, resp)
}

// normalizeUserCode upper-cases a user code and strips separators.
func normalizeUserCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(code, "-", "")))
}

func (s *Server) renderVerify(w http.ResponseWriter, r *http.Request, data verifyPageData) {
	data.NeedsKey = s.config.ApprovalKey != ""
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := verifyTmpl.Execute(w, data); err != nil {
		logFor(r.Context()).Error("render verify page", "err", err)
	}
}

// handleVerifyPage handles GET /device.
func (s *Server) handleVerifyPage(w http.ResponseWriter, r *http.Request) {
	s.renderVerify(w, r, verifyPageData{UserCode: normalizeUserCode(r.URL.Query().Get("user_code"))})
}

// handleVerifySubmit handles POST /device. The form approves or denies a
// pending login for the entered worker.
func (s *Server) handleVerifySubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.renderVerify(w, r, verifyPageData{Error: "Invalid form data."})
		return
	}

	userCode := normalizeUserCode(r.FormValue("user_code"))
	data := verifyPageData{UserCode: userCode}
	if userCode == "" {
		data.Error = "Please enter a code."
		s.renderVerify(w, r, data)
		return
	}
	if !serverdb.ValidUserCode(userCode) {
		data.Error = "Invalid or expired code."
		s.renderVerify(w, r, data)
		return
	}
	if key := s.config.ApprovalKey; key != "" &&
		subtle.ConstantTimeCompare([]byte(r.FormValue("approval_key")), []byte(key)) != 1 {
		logFor(ctx).Warn("verify failed", "reason", "bad_approval_key", "ip", clientIP(r))
		data.Error = "Wrong approval key."
		s.renderVerify(w, r, data)
		return
	}

	ar, err := s.store.GetAuthRequestByUserCode(ctx, userCode)
	if err != nil {
		logFor(ctx).Error("get auth request by user code", "err", err)
		data.Error = "Something went wrong. Please try again."
		s.renderVerify(w, r, data)
		return
	}
	if ar == nil {
		logFor(ctx).Warn("verify failed", "reason", "invalid_or_expired", "ip", clientIP(r))
		data.Error = "Invalid or expired code."
		s.renderVerify(w, r, data)
		return
	}

	if r.FormValue("action") == "deny" {
		if err := s.store.DenyAuthRequest(ctx, userCode); err != nil {
			logFor(ctx).Error("deny auth request", "err", err)
			data.Error = "Failed to deny the login. Code may have expired."
			s.renderVerify(w, r, data)
			return
		}
		logFor(ctx).Info("device denied", "auth_request", ar.ID)
		s.renderVerify(w, r, verifyPageData{Denied: true})
		return
	}

	workerID, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("worker_id")), 10, 64)
	if err != nil || workerID <= 0 {
		data.Error = "Please enter your worker number."
		s.renderVerify(w, r, data)
		return
	}
	if err := s.store.VerifyAuthRequest(ctx, userCode, workerID); err != nil {
		logFor(ctx).Error("verify auth request", "err", err)
		data.Error = "Failed to authorize device. Code may have expired."
		s.renderVerify(w, r, data)
		return
	}

	logFor(ctx).Info("device verified", "auth_request", ar.ID, "worker", workerID)
	s.renderVerify(w, r, verifyPageData{Success: true, WorkerID: workerID})
}
