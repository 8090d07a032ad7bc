// Package aierror classifies provider and operational errors into the
// closed taxonomy the wire protocol exposes to clients (spec §4.10, §7),
// in the style of the teacher's pkg/aierrors: typed codes, a human-message
// lookup table, and ordered substring-matching classifier rules.
package aierror

import (
	"encoding/json"
	"strings"
)

// Code is the closed error taxonomy returned on the wire.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodePermissionDenied    Code = "permission_denied"
	CodeInvalidInput        Code = "invalid_input"
	CodeContentBlocked      Code = "content_blocked"
	CodeInsufficientCredits Code = "insufficient_credits"
	CodePricingNotConfigred Code = "pricing_not_configured"
	CodeModelNotFound       Code = "model_not_found"
	CodeNoAPIKey            Code = "no_api_key"
	CodeRateLimited         Code = "rate_limited"
	CodeOverloaded          Code = "overloaded"
	CodeContextTooLong      Code = "context_too_long"
	CodeAuthFailed          Code = "auth_failed"
	CodeConnectionError     Code = "connection_error"
	CodeRequestTimeout      Code = "request_timeout"
	CodeServerError         Code = "server_error"
	CodeEndpointNotFound    Code = "endpoint_not_found"
	CodeAborted             Code = "aborted"
	CodeGeneric             Code = "generic"
)

// Classified is a classifier verdict: a taxonomy code plus a user-facing
// message and an optional suggestion, ready to go out as an `error` (or, for
// CodeAborted, a `stream`/`generation_aborted` pair) event.
type Classified struct {
	Code       Code
	Message    string
	Suggestion string
}

var suggestions = map[Code]string{
	CodeRateLimited:      "Wait a moment and try again.",
	CodeNoAPIKey:         "Add an API key for this provider in settings.",
	CodeOverloaded:       "The provider is busy right now; try again shortly.",
	CodeContextTooLong:   "Start a new conversation or edit earlier messages to shorten it.",
	CodeContentBlocked:   "Rephrase the message to avoid the flagged content.",
	CodeAuthFailed:       "Check your credentials and sign in again.",
	CodeConnectionError:  "Check your network connection and try again.",
	CodeRequestTimeout:   "The request took too long; try again.",
	CodeServerError:      "The provider's server had a problem; try again later.",
	CodeEndpointNotFound: "This model's endpoint is unavailable.",
	CodeInsufficientCredits: "Add credit or an API key for this model's provider.",
}

var messages = map[Code]string{
	CodeRateLimited:         "You're sending requests too quickly.",
	CodeNoAPIKey:            "No API key is configured for this model.",
	CodeOverloaded:          "The model provider is overloaded.",
	CodeContextTooLong:      "This conversation is too long for the model's context window.",
	CodeContentBlocked:      "That content was blocked by the content filter.",
	CodeAuthFailed:          "Authentication with the model provider failed.",
	CodeConnectionError:     "Could not connect to the model provider.",
	CodeRequestTimeout:      "The request to the model provider timed out.",
	CodeServerError:         "The model provider returned a server error.",
	CodeEndpointNotFound:    "The model provider's endpoint was not found.",
	CodeInsufficientCredits: "You don't have enough credit to run this model.",
}

const maxMessageLen = 300

// Classify maps a provider error's text to a taxonomy entry, matching the
// fixed, ordered rule set of spec §4.10: case-insensitive substring match,
// first rule wins. providerText is normally err.Error(); callers that have
// a distinct status/body can pass the richer string.
func Classify(providerText string) Classified {
	lower := strings.ToLower(providerText)

	switch {
	case strings.Contains(lower, "aborted"):
		return Classified{Code: CodeAborted}
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return withDefaults(CodeRateLimited)
	case strings.Contains(lower, "no api key") || strings.Contains(lower, "api key"):
		return withDefaults(CodeNoAPIKey)
	case strings.Contains(lower, "overloaded") || strings.Contains(lower, "503"):
		return withDefaults(CodeOverloaded)
	case strings.Contains(lower, "context") && strings.Contains(lower, "long"):
		return withDefaults(CodeContextTooLong)
	case strings.Contains(lower, "content") && (strings.Contains(lower, "filter") || strings.Contains(lower, "flagged") || strings.Contains(lower, "policy")):
		return withDefaults(CodeContentBlocked)
	case strings.Contains(lower, "401"):
		return withDefaults(CodeAuthFailed)
	case strings.Contains(lower, "econnrefused") || strings.Contains(lower, "network") || strings.Contains(lower, "etimedout"):
		return withDefaults(CodeConnectionError)
	case strings.Contains(lower, "timeout"):
		return withDefaults(CodeRequestTimeout)
	case strings.Contains(lower, "500") || strings.Contains(lower, "server error"):
		return withDefaults(CodeServerError)
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		return withDefaults(CodeEndpointNotFound)
	case strings.Contains(lower, "insufficient") && strings.Contains(lower, "credit"):
		return withDefaults(CodeInsufficientCredits)
	default:
		return Classified{Code: CodeGeneric, Message: truncate(extractMessage(providerText))}
	}
}

func withDefaults(code Code) Classified {
	return Classified{Code: code, Message: messages[code], Suggestion: suggestions[code]}
}

// extractMessage pulls a "message" field out of a JSON-embedded provider
// error body if present, otherwise passes the raw text through.
func extractMessage(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return text
	}
	var body struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &body); err != nil {
		return text
	}
	if body.Message != "" {
		return body.Message
	}
	if body.Error.Message != "" {
		return body.Error.Message
	}
	return text
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen] + "..."
}
