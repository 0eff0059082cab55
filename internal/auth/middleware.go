package auth

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/defguard/defguard-core/internal/apierrors"
	"github.com/defguard/defguard-core/internal/httputil"
)

// RequireAuth returns Fiber middleware that validates a JWT Bearer token from the Authorization header and stores
// the user ID in Locals under "userID".
func RequireAuth(secret, issuer string) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Invalid authorization format")
		}
		tokenStr := header[len(prefix):]

		claims, err := ValidateAccessToken(tokenStr, secret, issuer)
		if err != nil {
			code := apierrors.Unauthorized
			message := "Invalid token"

			if errors.Is(err, jwt.ErrTokenExpired) {
				code = apierrors.TokenExpired
				message = "Token has expired"
			}

			return httputil.Fail(c, fiber.StatusUnauthorized, code, message)
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Invalid token subject")
		}

		c.Locals("userID", userID)
		return c.Next()
	}
}

// RequireGatewayAuth returns Fiber middleware for the WebSocket upgrade route that serves the Gateway/Proxy RPC
// stream: it validates a gateway JWT and stores the resolved location ID and client ID in Locals.
func RequireGatewayAuth(secret string) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing or malformed gateway token")
		}

		locationID, clientID, err := ValidateGatewayToken(header[len(prefix):], secret)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Invalid gateway token")
		}

		c.Locals("gatewayLocationID", locationID)
		c.Locals("gatewayClientID", clientID)
		return c.Next()
	}
}

// UserIDFromLocals extracts the user ID stored by RequireAuth.
func UserIDFromLocals(c fiber.Ctx) (uuid.UUID, bool) {
	v, ok := fiber.Locals[uuid.UUID](c, "userID")
	return v, ok
}
