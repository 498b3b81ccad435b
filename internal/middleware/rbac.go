package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/store2door/store2door-api/internal/models"
	appErrors "github.com/store2door/store2door-api/pkg/errors"
	"github.com/store2door/store2door-api/pkg/response"
)

// CurrentClaims returns the verified claims attached by the JWT middleware.
func CurrentClaims(c *gin.Context) (*models.Claims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*models.Claims)
	return claims, ok
}

// RequireRoles rejects requests whose identity role is not in the allowed
// set. Compose it after JWT, never after OptionalJWT: without an attached
// identity the response is 401, not 403.
func RequireRoles(allowed ...models.Role) gin.HandlerFunc {
	allowedRoles := make(map[models.Role]struct{}, len(allowed))
	for _, role := range allowed {
		allowedRoles[role] = struct{}{}
	}

	return func(c *gin.Context) {
		claims, ok := CurrentClaims(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		if _, ok := allowedRoles[claims.Role]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}

// OwnerOrStaff permits the request when the identity owns the resource named
// by the given path parameter, or holds the staff or admin role.
func OwnerOrStaff(idParam string) gin.HandlerFunc {
	if idParam == "" {
		idParam = "id"
	}

	return func(c *gin.Context) {
		claims, ok := CurrentClaims(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		isOwner := c.Param(idParam) != "" && c.Param(idParam) == claims.UserID
		isStaff := claims.Role == models.RoleStaff || claims.Role == models.RoleAdmin

		if !isOwner && !isStaff {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}
