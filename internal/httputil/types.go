package httputil

import "fmt"

// APIError is the error body returned by the game data API
type APIError struct {
	Code   int    `json:"code"`
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Detail)
	}
	return e.Detail
}
