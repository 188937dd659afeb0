// Package httpapi is the frontend adaptor (spec.md §4.8): the thin HTTP
// layer that builds a Request from the query string, consults the result
// cache, and otherwise only ever adds to the broker's request target. It
// never talks to the worker, controller, or response handler directly —
// all coordination happens through store, matching the concurrency
// model's "no shared memory between frontend and the rest of the
// pipeline" rule (spec.md §5).
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"wikimetrics.dev/usermetrics/broker"
	"wikimetrics.dev/usermetrics/cache"
	"wikimetrics.dev/usermetrics/common"
	"wikimetrics.dev/usermetrics/request"
	"wikimetrics.dev/usermetrics/security"
	"wikimetrics.dev/usermetrics/statemanager"
)

// API wires the frontend adaptor's handlers to the broker, the result
// cache, and (optionally) the job controller's operation tracking and a
// JWT session shim.
type API struct {
	store  broker.Store
	cache  *cache.Cache
	states *statemanager.Manager
	jwt    *security.JWTService
}

// New constructs an API. states and jwt may be nil: /job_queue/ falls
// back to broker-only state labels, and /login returns 503 without a
// configured JWTService, matching the spec's "authentication is external"
// stance — this is a thin shim, not a credential store.
func New(store broker.Store, c *cache.Cache, states *statemanager.Manager, jwt *security.JWTService) *API {
	return &API{store: store, cache: c, states: states, jwt: jwt}
}

// RegisterRoutes wires every frontend route onto g.
func (a *API) RegisterRoutes(g *echo.Group) {
	g.GET("/cohorts/:cohort/:metric", a.handleCohortMetric)
	g.GET("/all_requests", a.handleAllRequests)
	g.GET("/job_queue/", a.handleJobQueue)
	g.POST("/login", a.handleLogin)
	g.GET("/logout", a.handleLogout)
	g.GET("/reauth", a.handleReauth)
}

// errorPayload renders an *request.Error (or any error) into the frontend's
// JSON error body, preserving the source's error_code field.
func errorPayload(err error) map[string]interface{} {
	if apiErr, ok := err.(*request.Error); ok {
		return map[string]interface{}{"error_code": apiErr.Code, "error": apiErr.Message}
	}
	return map[string]interface{}{"error_code": request.ErrCodeUnclassified, "error": err.Error()}
}

// handleCohortMetric implements spec.md §4.8 steps 1-6: build, fingerprint,
// then classify the request against cache/request/process before ever
// queuing a new job.
func (a *API) handleCohortMetric(c echo.Context) error {
	ctx := c.Request().Context()
	cohort := c.Param("cohort")
	metric := c.Param("metric")

	req, err := request.FromHTTP(cohort, metric, c.QueryParams())
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorPayload(err))
	}

	if !req.Refresh {
		if payload, ok, err := a.cache.Get(ctx, req); err != nil {
			return c.JSON(http.StatusInternalServerError, errorPayload(err))
		} else if ok {
			return c.JSONBlob(http.StatusOK, []byte(payload))
		}
	}

	fp := req.HashedFingerprint()

	if queued, err := a.store.IsItem(ctx, broker.TargetRequest, fp); err != nil {
		return c.JSON(http.StatusInternalServerError, errorPayload(err))
	} else if queued {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
	}

	if running, err := a.store.IsItem(ctx, broker.TargetProcess, fp); err != nil {
		return c.JSON(http.StatusInternalServerError, errorPayload(err))
	} else if running {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "running"})
	}

	serialized, err := req.Serialize()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorPayload(err))
	}
	if err := a.store.Add(ctx, broker.TargetRequest, fp, serialized); err != nil {
		return c.JSON(http.StatusInternalServerError, errorPayload(err))
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// requestURL rebuilds a /cohorts/{cohort}/{metric}?... URL from a cache
// entry's unhashed fingerprint, per SPEC_FULL.md's /all_requests grounding:
// the unhashed fingerprint exists specifically so this reconstruction is
// possible.
func requestURL(entry cache.Entry) string {
	cohortExpr, metricName := "", ""
	q := make([]string, 0, len(entry.Unhashed))
	for _, f := range entry.Unhashed {
		switch f.Name {
		case "cohort_expression":
			cohortExpr = f.Value
		case "metric":
			metricName = f.Value
		default:
			q = append(q, f.Name+"="+f.Value)
		}
	}
	url := "/cohorts/" + cohortExpr + "/" + metricName
	for i, pair := range q {
		if i == 0 {
			url += "?" + pair
		} else {
			url += "&" + pair
		}
	}
	return url
}

// handleAllRequests implements the /all_requests listing supplemented from
// original_source/ (data.py): every cached fingerprint rendered back into
// the URL that would reproduce it.
func (a *API) handleAllRequests(c echo.Context) error {
	entries, err := a.cache.Items(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorPayload(err))
	}
	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		urls = append(urls, requestURL(e))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"requests": urls})
}

// jobQueueEntry is one row of the /job_queue/ listing: a fingerprint and
// which broker target currently holds it.
type jobQueueEntry struct {
	Fingerprint string                 `json:"fingerprint"`
	State       string                 `json:"state"`
	Job         *statemanager.JobState `json:"job,omitempty"`
}

// handleJobQueue implements the /job_queue/ listing: entries across
// request, process, and response, each labeled with its broker-target
// state, enriched with the tracked statemanager.Manager job when one
// was passed to New.
func (a *API) handleJobQueue(c echo.Context) error {
	ctx := c.Request().Context()
	targets := []struct {
		target broker.Target
		label  string
	}{
		{broker.TargetRequest, "queued"},
		{broker.TargetProcess, "running"},
		{broker.TargetResponse, "complete"},
	}

	entries := make([]jobQueueEntry, 0)
	for _, t := range targets {
		keys, err := a.store.GetKeys(ctx, t.target)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorPayload(err))
		}
		seen := make(map[string]bool, len(keys))
		for _, fp := range keys {
			if seen[fp] {
				continue
			}
			seen[fp] = true
			entry := jobQueueEntry{Fingerprint: fp, State: t.label}
			if a.states != nil {
				entry.Job = a.states.GetJob(fp)
			}
			entries = append(entries, entry)
		}
	}
	return c.JSON(http.StatusOK, entries)
}

// loginRequest is the minimal credential the session shim accepts. Actual
// authentication is external (spec.md line 11); this endpoint exists only
// to mint a session token for a caller the deployment has already vetted
// by some other means (reverse-proxy auth, SSO, etc).
type loginRequest struct {
	UserID string `json:"user_id"`
}

// handleLogin mints a session token via security.JWTService, adapted
// near-verbatim from jwt.go's GenerateToken. Returns 503 if no JWTService
// is configured, since a deployment that never wires one has opted out of
// session issuance entirely and relies solely on its own auth layer.
func (a *API) handleLogin(c echo.Context) error {
	if a.jwt == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "session issuance not configured"})
	}
	var body loginRequest
	if err := c.Bind(&body); err != nil || body.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id required"})
	}
	token, err := a.jwt.GenerateToken(body.UserID, 24*time.Hour)
	if err != nil {
		common.Logger.WithError(err).Error("httpapi: generate session token")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "token generation failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

// handleLogout is stateless: JWTs are self-contained and not tracked
// server-side, so logout is a client-side token-discard signal only.
func (a *API) handleLogout(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// handleReauth validates the bearer token presented and, if still valid,
// reissues one with a fresh expiration.
func (a *API) handleReauth(c echo.Context) error {
	if a.jwt == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "session issuance not configured"})
	}
	tokenString := c.Request().Header.Get(echo.HeaderAuthorization)
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
	}
	tok, err := a.jwt.ValidateToken(tokenString)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
	}
	fresh, err := a.jwt.GenerateToken(tok.Subject(), 24*time.Hour)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "token generation failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"token": fresh})
}
