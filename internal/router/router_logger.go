package router

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/framara/what-the-meta-backend/internal/security"
)

// maxLoggedBody bounds the request body kept for error logging
const maxLoggedBody = 4 << 10

// responseCapture captures response status and body for logging
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func newResponseCapture(w http.ResponseWriter) *responseCapture {
	return &responseCapture{
		ResponseWriter: w,
		statusCode:     http.StatusOK, // default status
		body:           &bytes.Buffer{},
	}
}

func (rc *responseCapture) WriteHeader(statusCode int) {
	rc.statusCode = statusCode
	rc.ResponseWriter.WriteHeader(statusCode)
}

func (rc *responseCapture) Write(p []byte) (int, error) {
	if room := maxLoggedBody - rc.body.Len(); room > 0 {
		rc.body.Write(p[:min(len(p), room)])
	}
	return rc.ResponseWriter.Write(p)
}

func (rc *responseCapture) Flush() {
	if flusher, ok := rc.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// logRequests logs every control request; error responses additionally
// carry masked headers and both bodies
func (r *Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		reqBody, err := captureRequestBody(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		rc := newResponseCapture(w)
		next.ServeHTTP(rc, req)
		duration := time.Since(start)

		if !isErrorStatus(rc.statusCode) {
			r.logger.Info("HTTP request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", rc.statusCode,
				"duration", duration,
			)
			return
		}

		r.logger.Warn("HTTP request failed",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rc.statusCode,
			"duration", duration,
			"headers", flattenHeaders(security.MaskSensitiveHeaders(req.Header)),
			"request_body", string(reqBody),
			"response_body", rc.body.String(),
		)
	})
}

// isErrorStatus checks if status code is an error (4xx or 5xx)
func isErrorStatus(statusCode int) bool {
	return statusCode >= 400
}

// captureRequestBody reads the body and restores it for the handler.
// At most maxLoggedBody bytes are returned.
func captureRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return []byte{}, nil
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	if len(body) > maxLoggedBody {
		return body[:maxLoggedBody], nil
	}
	return body, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}
