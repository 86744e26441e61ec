package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/caseharbor/caseharbor-api/internal/domain"
	"github.com/caseharbor/caseharbor-api/internal/util"
)

const contextActorKey = "auth.actor"

// RequireAuth parses the bearer token into the acting user and tenant.
// Authentication itself is an external collaborator; this only verifies the
// token and scopes the request to its organization.
func RequireAuth(jwtManager *util.JWTManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if strings.TrimSpace(authHeader) == "" {
				return c.JSON(http.StatusUnauthorized, util.Error("unauthorized", "missing authorization header"))
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return c.JSON(http.StatusUnauthorized, util.Error("unauthorized", "invalid authorization header"))
			}
			claims, err := jwtManager.Parse(strings.TrimSpace(parts[1]))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, util.Error("unauthorized", "invalid token"))
			}
			c.Set(contextActorKey, claims.Actor())
			return next(c)
		}
	}
}

func CurrentActor(c echo.Context) (domain.Actor, bool) {
	actor, ok := c.Get(contextActorKey).(domain.Actor)
	return actor, ok
}
