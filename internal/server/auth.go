package server

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"llamagate/internal/core"
)

var errInvalidMasterKey = errors.New("invalid master key")

// AuthMiddleware requires "Authorization: Bearer <masterKey>" on every path
// except skipPaths. An empty masterKey disables the check.
func AuthMiddleware(masterKey string, skipPaths ...string) echo.MiddlewareFunc {
	open := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		open[p] = true
	}

	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Skipper: func(c echo.Context) bool {
			return masterKey == "" || open[c.Request().URL.Path]
		},
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(key), []byte(masterKey)) != 1 {
				return false, errInvalidMasterKey
			}
			return true, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			if errors.Is(err, errInvalidMasterKey) {
				return handleError(c, unauthorized(errInvalidMasterKey.Error()))
			}
			return handleError(c, unauthorized("missing or malformed authorization header, expected 'Bearer <key>'"))
		},
	})
}

func unauthorized(message string) *core.GatewayError {
	err := core.NewInvalidRequestError(message, nil)
	err.StatusCode = http.StatusUnauthorized
	return err
}
