package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// claimsKey is the echo context key holding the verified claims.
const claimsKey = "auth.claims"

type errorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Errors []errorItem `json:"errors"`
}

func writeError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, errorBody{Errors: []errorItem{{Code: code, Message: message}}})
}

// Middleware protects the registry API. Every request must carry a valid
// bearer token whose scope covers the repository and action it targets.
// Repeated failures from one client are answered with 429.
func (s *Service) Middleware(throttle *Throttle) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.cfg.Enabled {
				return next(c)
			}

			repo := repositoryFromPath(c.Request().URL.Path)
			action := requiredAction(c.Request().Method)

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				return s.challenge(c, throttle, repo, action)
			}

			claims, err := s.VerifyToken(tokenString)
			if err != nil {
				return s.challenge(c, throttle, repo, action)
			}

			if repo != "" && !claims.Allows(repo, action) {
				s.log.Debug("insufficient scope",
					"subject", claims.Subject, "repository", repo, "action", action)
				return writeError(c, http.StatusForbidden, "DENIED", "requested access to the resource is denied")
			}

			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// RequireToken demands a valid bearer token without checking scopes. Used by
// surfaces whose operations are not repository-scoped.
func (s *Service) RequireToken(throttle *Throttle) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.cfg.Enabled {
				return next(c)
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				return s.challenge(c, throttle, "", "")
			}
			claims, err := s.VerifyToken(tokenString)
			if err != nil {
				return s.challenge(c, throttle, "", "")
			}

			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// ClaimsFrom returns the verified claims stored by the middleware, if any.
func ClaimsFrom(c echo.Context) *Claims {
	claims, _ := c.Get(claimsKey).(*Claims)
	return claims
}

// challenge answers an unauthenticated request, throttling noisy clients.
func (s *Service) challenge(c echo.Context, throttle *Throttle, repo, action string) error {
	if throttle != nil && !throttle.Allow(c.RealIP()) {
		c.Response().Header().Set("Retry-After", "1")
		return writeError(c, http.StatusTooManyRequests, "TOOMANYREQUESTS", "too many failed authentication attempts")
	}

	header := fmt.Sprintf("Bearer realm=%q,service=%q", s.cfg.Realm, s.cfg.Service)
	if repo != "" {
		header += fmt.Sprintf(",scope=%q", "repository:"+repo+":"+action)
	}
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, header)
	return writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
}

// requiredAction maps the HTTP method to a scope action.
func requiredAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return ActionPull
	default:
		return ActionPush
	}
}

// repositoryFromPath extracts the repository name from a /v2 API path.
// The probe and catalog endpoints carry no repository.
func repositoryFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/v2/")
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" || rest == "_catalog" || strings.HasPrefix(rest, "_catalog?") {
		return ""
	}
	for _, marker := range []string{"/blobs/", "/manifests/", "/tags/"} {
		if i := strings.Index(rest, marker); i >= 0 {
			return rest[:i]
		}
	}
	return strings.TrimSuffix(rest, "/")
}
