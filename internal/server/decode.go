package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"llamagate/internal/core"
)

// decodeChatRequest reads exactly one JSON object from the body. Unknown
// fields are ignored; wrong types, trailing data and empty bodies are not.
func decodeChatRequest(c echo.Context) (*core.ChatRequest, error) {
	dec := json.NewDecoder(c.Request().Body)

	var req core.ChatRequest
	if err := dec.Decode(&req); err != nil {
		return nil, decodeError(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, decodeError(err)
		}
		return nil, core.NewInvalidRequestError("request body must contain a single JSON object", err)
	}
	return &req, nil
}

func decodeError(err error) *core.GatewayError {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		httpErr   *echo.HTTPError
	)

	switch {
	case errors.Is(err, io.EOF):
		return core.NewInvalidRequestError("request body is empty", err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return core.NewInvalidRequestError("request body is truncated JSON", err)
	case errors.As(err, &syntaxErr):
		return core.NewInvalidRequestError(fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset), err)
	case errors.As(err, &typeErr):
		if typeErr.Field == "" {
			return core.NewInvalidRequestError("request body must be a JSON object", err)
		}
		return core.NewInvalidRequestError(fmt.Sprintf("field %q must be of type %s", typeErr.Field, typeErr.Type), err)
	case errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge:
		gwErr := core.NewInvalidRequestError("request body too large", err)
		gwErr.StatusCode = http.StatusRequestEntityTooLarge
		return gwErr
	default:
		return core.NewInvalidRequestError("invalid request body: "+err.Error(), err)
	}
}
