package auth

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
)

// anonymousScope is granted when no scope is requested.
const anonymousScope = "repository:*:pull"

// TokenResponse is the body returned by the token endpoint.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	IssuedAt  string `json:"issued_at"`
}

// TokenHandler serves the token endpoint clients are challenged towards.
type TokenHandler struct {
	svc      *Service
	throttle *Throttle
	log      *log.Logger
}

// NewTokenHandler creates the token endpoint handler.
func NewTokenHandler(svc *Service, throttle *Throttle, logger *log.Logger) *TokenHandler {
	return &TokenHandler{svc: svc, throttle: throttle, log: logger}
}

// Issue handles GET /token. Credentials arrive as HTTP Basic auth and the
// requested grants as repeated scope query parameters.
func (h *TokenHandler) Issue(c echo.Context) error {
	if !h.svc.Enabled() {
		// Anonymous full grant when authorization is switched off.
		return h.respond(c, "anonymous", []string{"repository:*:*"})
	}

	if service := c.QueryParam("service"); service != "" && service != h.svc.ServiceName() {
		return writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "unknown service")
	}

	username, password, ok := c.Request().BasicAuth()
	if !ok || !h.svc.ValidateCredentials(username, password) {
		if h.throttle != nil && !h.throttle.Allow(c.RealIP()) {
			c.Response().Header().Set("Retry-After", "1")
			return writeError(c, http.StatusTooManyRequests, "TOOMANYREQUESTS", "too many failed authentication attempts")
		}
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="`+h.svc.Realm()+`"`)
		return writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
	}

	return h.respond(c, username, h.grantedScopes(c.QueryParams()["scope"]))
}

func (h *TokenHandler) respond(c echo.Context, subject string, scopes []string) error {
	token, issued, err := h.svc.IssueToken(subject, scopes)
	if err != nil {
		h.log.Error("failed to issue token", "error", err)
		return writeError(c, http.StatusInternalServerError, "UNSUPPORTED", "internal server error")
	}

	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresIn: int(h.svc.TokenTTL().Seconds()),
		IssuedAt:  issued.Format(time.RFC3339),
	})
}

// grantedScopes keeps the well-formed repository scopes from the request,
// falling back to an anonymous pull grant when none survive.
func (h *TokenHandler) grantedScopes(requested []string) []string {
	var granted []string
	for _, raw := range requested {
		scope, err := ParseScope(raw)
		if err != nil || scope.Type != "repository" {
			h.log.Debug("skipping unsupported scope", "scope", raw)
			continue
		}
		granted = append(granted, scope.String())
	}
	if len(granted) == 0 {
		return []string{anonymousScope}
	}
	return granted
}
