package router

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/framara/what-the-meta-backend/internal/aggregates"
	"github.com/framara/what-the-meta-backend/internal/fetcher"
	"github.com/framara/what-the-meta-backend/internal/ingest"
	"github.com/go-playground/validator/v10"
)

type errorResponse struct {
	Error string `json:"error"`
}

type ingestRequest struct {
	Regions       []string `json:"regions" validate:"omitempty,dive,oneof=us eu kr tw cn"`
	SeasonID      int      `json:"season_id" validate:"gte=0"`
	PeriodIDs     []int    `json:"period_ids" validate:"omitempty,dive,gt=0"`
	DungeonIDs    []int    `json:"dungeon_ids" validate:"omitempty,dive,gt=0"`
	Owner         string   `json:"owner" validate:"omitempty,max=128"`
	TTLSeconds    int      `json:"ttl_seconds" validate:"gte=0,lte=86400"`
	Steal         bool     `json:"steal"`
	SkipFetch     bool     `json:"skip_fetch"`
	SkipRefresh   bool     `json:"skip_refresh"`
	AsyncRefresh  bool     `json:"async_refresh"`
	BudgetSeconds int      `json:"budget_seconds" validate:"gte=0,lte=86400"`
}

func (in ingestRequest) options() ingest.Options {
	return ingest.Options{
		Request: fetcher.Request{
			Regions:    in.Regions,
			SeasonID:   in.SeasonID,
			PeriodIDs:  in.PeriodIDs,
			DungeonIDs: in.DungeonIDs,
		},
		Owner:        in.Owner,
		TTL:          time.Duration(in.TTLSeconds) * time.Second,
		Steal:        in.Steal,
		SkipFetch:    in.SkipFetch,
		SkipRefresh:  in.SkipRefresh,
		AsyncRefresh: in.AsyncRefresh,
		Budget:       time.Duration(in.BudgetSeconds) * time.Second,
	}
}

type leaseAcquireRequest struct {
	LockName   string `json:"lock_name" validate:"omitempty,max=128"`
	Owner      string `json:"owner" validate:"required,max=128"`
	TTLSeconds int    `json:"ttl_seconds" validate:"gte=0,lte=86400"`
	Steal      bool   `json:"steal"`
}

type leaseReleaseRequest struct {
	LockName string `json:"lock_name" validate:"omitempty,max=128"`
	Owner    string `json:"owner" validate:"required,max=128"`
}

type refreshResponse struct {
	Summary *aggregates.Summary `json:"summary,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type refreshStatusResponse struct {
	Running   *aggregates.Ticket    `json:"running,omitempty"`
	Last      *aggregates.Summary   `json:"last,omitempty"`
	LastError string                `json:"last_error,omitempty"`
	Activity  []aggregates.Activity `json:"activity"`
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	var in ingestRequest
	if !r.decode(w, req, &in) {
		return
	}

	res, err := r.deps.Ingestor.Run(req.Context(), in.options())
	if res == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch res.Status {
	case ingest.StatusSkipped:
		writeJSON(w, http.StatusConflict, res)
	case ingest.StatusError:
		writeJSON(w, http.StatusInternalServerError, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (r *Router) handleLeaseAcquire(w http.ResponseWriter, req *http.Request) {
	var in leaseAcquireRequest
	if !r.decode(w, req, &in) {
		return
	}

	acquire := r.deps.Leases.Acquire
	if in.Steal {
		acquire = r.deps.Leases.Steal
	}
	out, err := acquire(req.Context(), in.LockName, in.Owner, time.Duration(in.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if !out.Acquired() {
		writeJSON(w, http.StatusConflict, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleLeaseRelease(w http.ResponseWriter, req *http.Request) {
	var in leaseReleaseRequest
	if !r.decode(w, req, &in) {
		return
	}

	// a lease that could not be deleted still expires with its TTL
	if err := r.deps.Leases.Release(req.Context(), in.LockName, in.Owner); err != nil {
		r.logger.Error("Lease release failed, lease will expire with its TTL",
			"lock", in.LockName,
			"owner", in.Owner,
			"error", err,
		)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	async := false
	if v := req.URL.Query().Get("async"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid async value: %q", v))
			return
		}
		async = parsed
	}

	if async {
		ticket, err := r.deps.Refresher.RefreshAsync(req.Context())
		switch {
		case errors.Is(err, aggregates.ErrRefreshInProgress):
			writeJSON(w, http.StatusConflict, ticket)
		case errors.Is(err, aggregates.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusAccepted, ticket)
		}
		return
	}

	summary, err := r.deps.Refresher.Refresh(req.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, refreshResponse{Summary: summary, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Summary: summary})
}

func (r *Router) handleRefreshStatus(w http.ResponseWriter, req *http.Request) {
	activity, err := r.deps.Refresher.Status(req.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	body := refreshStatusResponse{
		Running:  r.deps.Refresher.Running(),
		Activity: activity,
	}
	if body.Activity == nil {
		body.Activity = []aggregates.Activity{}
	}
	last, lastErr := r.deps.Refresher.Last()
	body.Last = last
	if lastErr != nil {
		body.LastError = lastErr.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// requireToken checks the bearer token when a control token is configured
func (r *Router) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		expected := r.cfg.Server.ControlToken
		if expected == "" {
			next.ServeHTTP(w, req)
			return
		}

		token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// decode reads an optional JSON body into dst and validates it.
// It writes the error response and returns false on failure.
func (r *Router) decode(w http.ResponseWriter, req *http.Request, dst any) bool {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}

	if err := r.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names in errors
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers already sent, nothing left to report on failure
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
