// Package monitoring implements the fabric's observability subsystem: the
// Metrics Store (C9), Alert Manager (C10), Dashboard/Chart Generator
// (C11), and the HTTP API (C12) that fronts all three, per §4.8-§4.11.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fabrikit/fabrikit/core"
	"github.com/fabrikit/fabrikit/registry"
)

// API is the Monitoring HTTP API (C12): it fronts the Metrics Store, the
// Alert Manager, and the Dashboard Generator with the endpoint set in §6.
// Grounded in the teacher's orchestration.TaskAPIHandler: a
// component-scoped logger, a plain http.ServeMux, and manual
// strings.TrimPrefix path parsing rather than a third-party router.
type API struct {
	store      *Store
	alerts     *AlertManager
	dashboards *DashboardGenerator
	registry   *registry.Registry
	logger     core.Logger
}

// NewAPI builds the Monitoring API. registry may be nil if the deployment
// doesn't expose component health/resolver endpoints through this API.
func NewAPI(store *Store, alerts *AlertManager, dashboards *DashboardGenerator, reg *registry.Registry, logger core.Logger) *API {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fabric/monitoring/api")
	}
	return &API{store: store, alerts: alerts, dashboards: dashboards, registry: reg, logger: logger}
}

// ErrorResponse is a standard error body, mirroring the teacher's
// orchestration.ErrorResponse shape with an added Kind field so clients
// can branch on the machine-readable TaskError kind per §7.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("failed to encode response", map[string]interface{}{
			"operation": "api_encode_failure",
			"error":     err.Error(),
		})
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string, kind core.TaskErrorKind) {
	a.writeJSON(w, status, ErrorResponse{Error: message, Kind: string(kind)})
}

func (a *API) writeHTML(w http.ResponseWriter, status int, html string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(html))
}

// statusForKind maps a TaskErrorKind to an HTTP status, per §7's "the HTTP
// API maps TaskError kinds to status codes" requirement.
func statusForKind(kind core.TaskErrorKind) int {
	switch kind {
	case core.ErrorKindNotFound:
		return http.StatusNotFound
	case core.ErrorKindValidation:
		return http.StatusBadRequest
	case core.ErrorKindAuthentication:
		return http.StatusUnauthorized
	case core.ErrorKindRateLimit:
		return http.StatusTooManyRequests
	case core.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case core.ErrorKindState:
		return http.StatusConflict
	case core.ErrorKindConfiguration, core.ErrorKindResource, core.ErrorKindDependency:
		return http.StatusServiceUnavailable
	case core.ErrorKindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RegisterRoutes wires every endpoint from §6 onto mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.handleHealth)

	mux.HandleFunc("/metrics/system", a.methodSwitch(map[string]http.HandlerFunc{
		http.MethodGet: a.handleQuerySystemMetrics,
	}))
	mux.HandleFunc("/metrics/system/collect", a.methodSwitch(map[string]http.HandlerFunc{
		http.MethodPost: a.handleCollectSystemMetrics,
	}))

	mux.HandleFunc("/health/components", a.methodSwitch(map[string]http.HandlerFunc{
		http.MethodGet: a.handleComponentHealthList,
	}))
	mux.HandleFunc("/health/components/", a.handleComponentHealthByID)

	mux.HandleFunc("/metrics/performance", a.methodSwitch(map[string]http.HandlerFunc{
		http.MethodGet: a.handleQueryPerformance,
	}))
	mux.HandleFunc("/metrics/performance/record", a.methodSwitch(map[string]http.HandlerFunc{
		http.MethodPost: a.handleRecordPerformance,
	}))

	mux.HandleFunc("/alerts/active", a.methodSwitch(map[string]http.HandlerFunc{
		http.MethodGet: a.handleActiveAlerts,
	}))
	mux.HandleFunc("/alerts/", a.handleAlertAction)

	mux.HandleFunc("/dashboards", a.methodSwitch(map[string]http.HandlerFunc{
		http.MethodGet: a.handleListDashboards,
	}))
	mux.HandleFunc("/dashboards/generate", a.methodSwitch(map[string]http.HandlerFunc{
		http.MethodPost: a.handleGenerateDashboard,
	}))
	mux.HandleFunc("/dashboards/", a.handleGetDashboard)
}

func (a *API) methodSwitch(byMethod map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h, ok := byMethod[r.Method]; ok {
			h(w, r)
			return
		}
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed", core.ErrorKindValidation)
	}
}

// --- /health ---

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- /metrics/system ---

func parseWindow(r *http.Request) Window {
	q := r.URL.Query()
	var win Window
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			win.From = t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			win.To = t
		}
	}
	return win
}

func parseLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (a *API) handleQuerySystemMetrics(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = string(KindSystem)
	}
	samples, err := a.store.Query(r.Context(), SampleKind(kind), Filter{}, parseWindow(r))
	if err != nil {
		a.writeError(w, http.StatusServiceUnavailable, err.Error(), core.ErrorKindDependency)
		return
	}
	limit := parseLimit(r, len(samples))
	if limit < len(samples) {
		samples = samples[len(samples)-limit:]
	}
	a.writeJSON(w, http.StatusOK, samples)
}

func (a *API) handleCollectSystemMetrics(w http.ResponseWriter, r *http.Request) {
	collectType := r.URL.Query().Get("type")
	if collectType == "" {
		collectType = "runtime"
	}
	sample := Sample{
		Kind:      KindSystem,
		Source:    "collector",
		Name:      collectType,
		Timestamp: time.Now(),
	}
	if err := a.store.Append(r.Context(), sample); err != nil {
		a.writeError(w, http.StatusTooManyRequests, err.Error(), core.ErrorKindRateLimit)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- /health/components ---

func (a *API) handleComponentHealthList(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		a.writeError(w, http.StatusServiceUnavailable, "no registry configured", core.ErrorKindConfiguration)
		return
	}
	statuses := a.registry.HealthRollup(r.Context(), 5*time.Second)
	result := make(map[string]registry.HealthStatus, len(statuses))
	for _, s := range statuses {
		result[s.Name] = s
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *API) handleComponentHealthByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/health/components/")
	if idx := strings.Index(id, "/"); idx >= 0 {
		suffix := id[idx:]
		id = id[:idx]
		if suffix == "/check" {
			if r.Method != http.MethodPost {
				a.writeError(w, http.StatusMethodNotAllowed, "use POST for check", core.ErrorKindValidation)
				return
			}
			a.handleComponentCheck(w, r, id)
			return
		}
		a.writeError(w, http.StatusNotFound, "unknown sub-resource", core.ErrorKindNotFound)
		return
	}
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed", core.ErrorKindValidation)
		return
	}
	a.handleComponentHistory(w, r, id)
}

func (a *API) handleComponentHistory(w http.ResponseWriter, r *http.Request, id string) {
	samples, err := a.store.Query(r.Context(), KindHealth, Filter{Name: id}, parseWindow(r))
	if err != nil {
		a.writeError(w, http.StatusServiceUnavailable, err.Error(), core.ErrorKindDependency)
		return
	}
	a.writeJSON(w, http.StatusOK, samples)
}

func (a *API) handleComponentCheck(w http.ResponseWriter, r *http.Request, id string) {
	if a.registry == nil {
		a.writeError(w, http.StatusServiceUnavailable, "no registry configured", core.ErrorKindConfiguration)
		return
	}
	timeout := 2 * time.Second
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	entry, err := a.registry.Get(id, nil)
	if err != nil {
		a.writeError(w, http.StatusNotFound, "unknown component", core.ErrorKindNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	report, err := entry.Resolver.HealthCheck(ctx)
	if err != nil {
		a.writeError(w, http.StatusServiceUnavailable, err.Error(), core.ErrorKindDependency)
		return
	}
	_ = a.store.Append(r.Context(), Sample{
		Kind:      KindHealth,
		Source:    "forced_check",
		Name:      id,
		Value:     boolToFloat(report.Healthy),
		Timestamp: time.Now(),
	})
	a.writeJSON(w, http.StatusOK, report)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// --- /metrics/performance ---

func (a *API) handleQueryPerformance(w http.ResponseWriter, r *http.Request) {
	filter := Filter{}
	q := r.URL.Query()
	if component := q.Get("component"); component != "" {
		filter.Tags = map[string]string{"component": component}
	}
	if op := q.Get("op"); op != "" {
		filter.Name = op
	}
	samples, err := a.store.Query(r.Context(), KindPerformance, filter, parseWindow(r))
	if err != nil {
		a.writeError(w, http.StatusServiceUnavailable, err.Error(), core.ErrorKindDependency)
		return
	}
	a.writeJSON(w, http.StatusOK, samples)
}

// performanceSampleRequest is the POST body for /metrics/performance/record.
type performanceSampleRequest struct {
	Component  string  `json:"component"`
	Operation  string  `json:"operation"`
	DurationMs float64 `json:"duration_ms"`
	Success    bool    `json:"success"`
}

func (a *API) handleRecordPerformance(w http.ResponseWriter, r *http.Request) {
	var req performanceSampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body", core.ErrorKindValidation)
		return
	}
	if req.Operation == "" {
		a.writeError(w, http.StatusBadRequest, "operation is required", core.ErrorKindValidation)
		return
	}
	sample := Sample{
		Kind:      KindPerformance,
		Source:    req.Component,
		Name:      req.Operation,
		Value:     req.DurationMs,
		Tags:      map[string]string{"component": req.Component, "success": strconv.FormatBool(req.Success)},
		Timestamp: time.Now(),
	}
	if err := a.store.Append(r.Context(), sample); err != nil {
		a.writeError(w, http.StatusTooManyRequests, err.Error(), core.ErrorKindRateLimit)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// --- /alerts ---

func (a *API) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.alerts.Active())
}

type alertActionRequest struct {
	Note string `json:"note,omitempty"`
}

func (a *API) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/alerts/")
	var id, action string
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		id = path[:idx]
		action = path[idx+1:]
	}
	if id == "" || action == "" {
		a.writeError(w, http.StatusBadRequest, "alert id and action are required", core.ErrorKindValidation)
		return
	}
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed", core.ErrorKindValidation)
		return
	}

	var req alertActionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var err error
	switch action {
	case "acknowledge":
		err = a.alerts.Acknowledge(id)
	case "resolve":
		err = a.alerts.Resolve(id)
	default:
		a.writeError(w, http.StatusNotFound, "unknown alert action", core.ErrorKindNotFound)
		return
	}
	if err != nil {
		if core.IsNotFound(err) {
			a.writeError(w, http.StatusNotFound, "alert not found", core.ErrorKindNotFound)
			return
		}
		a.writeError(w, http.StatusConflict, err.Error(), core.ErrorKindState)
		return
	}

	alert, _ := a.alerts.Get(id)
	a.writeJSON(w, http.StatusOK, alert)
}

// --- /dashboards ---

func (a *API) handleListDashboards(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.dashboards.List())
}

func (a *API) handleGenerateDashboard(w http.ResponseWriter, r *http.Request) {
	var desc Descriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid dashboard descriptor", core.ErrorKindValidation)
		return
	}
	if desc.ID == "" {
		a.writeError(w, http.StatusBadRequest, "dashboard id is required", core.ErrorKindValidation)
		return
	}
	rendered, err := a.dashboards.Generate(r.Context(), desc, time.Now())
	if err != nil {
		a.writeError(w, http.StatusServiceUnavailable, err.Error(), core.ErrorKindDependency)
		return
	}
	a.writeHTML(w, http.StatusOK, rendered.HTML)
}

func (a *API) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed", core.ErrorKindValidation)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/dashboards/")
	rendered, ok := a.dashboards.Get(id)
	if !ok {
		a.writeError(w, http.StatusNotFound, "dashboard not found", core.ErrorKindNotFound)
		return
	}
	a.writeHTML(w, http.StatusOK, rendered.HTML)
}
