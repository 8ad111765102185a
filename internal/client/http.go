package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxErrorBody = 512

// doJSON executes req and decodes a 2xx JSON body into result.
// Network failures become TransportError, non-2xx becomes ProviderError.
func doJSON(httpClient *http.Client, provider string, req *http.Request, result interface{}) error {
	log.Debug().
		Str("provider", provider).
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("provider request")

	resp, err := httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).
			Str("provider", provider).
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Msg("provider request failed")
		return &TransportError{Provider: provider, Op: req.Method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Provider: provider, Op: "read " + req.URL.Path, Err: err}
	}

	log.Debug().
		Str("provider", provider).
		Int("status", resp.StatusCode).
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("provider response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{
			Provider:   provider,
			HTTPStatus: resp.StatusCode,
			Message:    errorMessage(respBody),
		}
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return &ProviderError{Provider: provider, Message: fmt.Sprintf("failed to unmarshal response: %v", err)}
	}
	return nil
}

// errorMessage extracts a readable message from an error body
func errorMessage(body []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		var msg string
		if json.Unmarshal(payload.Error, &msg) == nil && msg != "" {
			return msg
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	if text == "" {
		return http.StatusText(http.StatusInternalServerError)
	}
	return text
}
