package devserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	v1 "sentinel/shared/contracts/realtime/v1"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User            User      `json:"user"`
	AccessToken     string    `json:"accessToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

type refreshResponse struct {
	AccessToken     string    `json:"accessToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

type meResponse struct {
	User User `json:"user"`
}

type alertsResponse struct {
	Alerts []v1.AlertEvent `json:"alerts"`
}

type alertStatusRequest struct {
	Status string `json:"status"`
}

// authenticator turns a bearer header into claims, answering 401 itself.
type authenticator struct {
	tokens   *TokenManager
	sessions *Sessions
	now      func() time.Time
}

func (a *authenticator) require(w http.ResponseWriter, r *http.Request) (AccessClaims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeInvalidToken, "missing bearer token")
		return AccessClaims{}, false
	}

	now := a.now()
	claims, err := a.tokens.Verify(token, now)
	switch {
	case errors.Is(err, ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, CodeTokenExpired, "access token expired")
		return AccessClaims{}, false
	case err != nil:
		writeError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid token")
		return AccessClaims{}, false
	}
	if err := a.sessions.Active(now, claims); err != nil {
		writeError(w, http.StatusUnauthorized, CodeInvalidToken, "session not active")
		return AccessClaims{}, false
	}
	return claims, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Handler serves the auth and alert endpoints.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	users    *Users
	sessions *Sessions
	tokens   *TokenManager
	auth     *authenticator
	hub      *Hub
	alerts   *AlertStore
	sim      *Simulator
	limiter  *IPLimiter
	now      func() time.Time
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	if ok, retryAfter := h.limiter.Allow(ip, now); !ok {
		h.log.Info("auth.login.throttled", "ip", ip)
		writeRateLimited(w, retryAfter)
		return
	}

	var req loginRequest
	if err := readBody(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "username and password are required")
		return
	}

	user, err := h.users.Authenticate(req.Username, req.Password)
	if err != nil {
		h.log.Info("auth.login.failed", "username", strings.TrimSpace(req.Username), "ip", ip)
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "invalid credentials")
		return
	}

	issued, err := h.sessions.Open(now, userIDString(user.ID))
	if err != nil {
		h.log.Error("auth.login.issue_session.fail", "err", err)
		writeInternal(w)
		return
	}

	h.setRefreshCookie(w, issued.RefreshToken, issued.RefreshExp, now)
	h.log.Info("auth.login.ok", "user_id", issued.UserID, "session_id", issued.SessionID)
	writeJSON(w, http.StatusOK, loginResponse{
		User:            user,
		AccessToken:     issued.AccessToken,
		AccessExpiresAt: issued.AccessExp,
	})
}

// handleRefresh rotates the cookie-borne refresh token. Any failure is a 401
// and clears the cookie, which ends the client session.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	refresh, ok := h.refreshTokenFromCookie(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeRefreshMissing, "refresh token is required")
		return
	}

	now := h.now()
	issued, err := h.sessions.Rotate(now, refresh)
	if err != nil {
		h.expireRefreshCookie(w)
		switch {
		case errors.Is(err, ErrRefreshReuseDetected):
			h.log.Warn("auth.refresh.reuse_detected", "ip", clientIP(r, h.cfg.TrustProxy))
			writeError(w, http.StatusUnauthorized, CodeRefreshReuse, "refresh token reuse detected")
		case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionRevoked), errors.Is(err, ErrSessionNotFound):
			writeError(w, http.StatusUnauthorized, CodeSessionNotActive, "session not active")
		default:
			h.log.Error("auth.refresh.fail", "err", err)
			writeInternal(w)
		}
		return
	}

	h.setRefreshCookie(w, issued.RefreshToken, issued.RefreshExp, now)
	h.log.Info("auth.refresh.ok", "user_id", issued.UserID, "session_id", issued.SessionID)
	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken:     issued.AccessToken,
		AccessExpiresAt: issued.AccessExp,
	})
}

// handleLogout accepts an expired bearer, or the refresh cookie alone, so a
// client can always revoke what it holds.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	now := h.now()

	var revoked []string
	if token := bearerToken(r); token != "" {
		claims, err := h.tokens.Verify(token, now)
		if err == nil || errors.Is(err, ErrTokenExpired) {
			if chain, err := h.sessions.Revoke(now, claims.SessionID); err == nil {
				revoked = append(revoked, chain...)
			}
		}
	}
	if refresh, ok := h.refreshTokenFromCookie(r); ok {
		if chain, err := h.sessions.RevokeByRefresh(now, refresh); err == nil {
			revoked = append(revoked, chain...)
		}
	}

	h.expireRefreshCookie(w)
	if len(revoked) == 0 {
		writeError(w, http.StatusUnauthorized, CodeInvalidToken, "no session to revoke")
		return
	}

	// Sockets stay bound to the session they were opened under, which may be
	// an ancestor of the current one.
	closed := 0
	seen := make(map[string]struct{}, len(revoked))
	for _, sid := range revoked {
		if _, dup := seen[sid]; dup {
			continue
		}
		seen[sid] = struct{}{}
		closed += h.hub.DisconnectSession(sid)
	}
	h.log.Info("auth.logout.ok", "session_id", revoked[0], "sessions_revoked", len(seen), "sockets_closed", closed)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.auth.require(w, r)
	if !ok {
		return
	}
	u, err := h.users.Get(claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeInvalidToken, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: u})
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.auth.require(w, r); !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, h.cfg.AlertHistory)
	}
	writeJSON(w, http.StatusOK, alertsResponse{Alerts: h.alerts.Recent(limit)})
}

// handleInjectAlert raises an alert supplied by the caller. It is
// unauthenticated so scripts can drive the push channel.
func (h *Handler) handleInjectAlert(w http.ResponseWriter, r *http.Request) {
	var ev v1.AlertEvent
	if err := readBody(w, r, h.cfg.MaxBodyBytes, &ev); err != nil {
		writeBodyError(w, err)
		return
	}
	stored, err := h.sim.Raise(ev)
	if err != nil {
		h.log.Error("alert.inject.fail", "err", err)
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Handler) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	var req alertStatusRequest
	if err := readBody(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	switch req.Status {
	case v1.StatusOpen, v1.StatusAcknowledged, v1.StatusResolved:
	default:
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "unknown status")
		return
	}

	ev, err := h.sim.Update(chi.URLParam(r, "id"), req.Status)
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "alert not found")
			return
		}
		h.log.Error("alert.update.fail", "err", err)
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": h.hub.Len(),
	})
}
