package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"CityLedger/internal/command"
	"CityLedger/internal/ingestion"
	"CityLedger/internal/observability"
	"CityLedger/internal/query"
	"CityLedger/internal/sim"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

// Processor is the write side the API submits commands to.
type Processor interface {
	Process(cmd command.Command) command.Result
}

// API is the HTTP/JSON surface: the command API for writes and the query
// API for reads. Routes are registered on a grpc-gateway runtime mux so the
// path grammar ({city_id} bindings, method matching) matches the rest of
// the fleet's gateway services.
type API struct {
	proc    Processor
	qs      *query.QueryService
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewAPI(proc Processor, qs *query.QueryService, metrics *observability.Metrics, log zerolog.Logger) *API {
	return &API{proc: proc, qs: qs, metrics: metrics, log: log}
}

// Routes builds the route table.
func (a *API) Routes() http.Handler {
	mux := runtime.NewServeMux()

	// Writes
	a.handle(mux, http.MethodPost, "/v1/commands", a.postCommand)
	a.handle(mux, http.MethodPost, "/v1/ticks", a.postTick)

	// Reads
	a.handle(mux, http.MethodGet, "/v1/cities/{city_id}", a.getCityState)
	a.handle(mux, http.MethodGet, "/v1/cities/{city_id}/commands", a.getCommandLog)
	a.handle(mux, http.MethodGet, "/v1/markets/{resource}/depth", a.getDepth)
	a.handle(mux, http.MethodGet, "/v1/markets/{resource}/trades", a.getTrades)
	a.handle(mux, http.MethodGet, "/v1/markets/{resource}/stats", a.getStats)
	a.handle(mux, http.MethodGet, "/v1/councils", a.getTreasuries)
	a.handle(mux, http.MethodGet, "/v1/admin/integrity", a.getIntegrity)

	return mux
}

type apiHandler func(w http.ResponseWriter, r *http.Request, pathParams map[string]string)

func (a *API) handle(mux *runtime.ServeMux, method, path string, h apiHandler) {
	endpoint := method + " " + path
	wrapped := func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		if a.metrics != nil {
			a.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
		}
		h(w, r, pathParams)
		if a.metrics != nil {
			a.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
	if err := mux.HandlePath(method, path, wrapped); err != nil {
		panic("FATAL: route registration failed: " + err.Error())
	}
}

// --- Write handlers ---

type commandRequest struct {
	Type string `json:"type"`
}

type commandResponse struct {
	Accepted  bool   `json:"accepted"`
	CommandID string `json:"command_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (a *API) postCommand(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		a.writeError(w, "POST /v1/commands", http.StatusBadRequest, err)
		return
	}

	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.writeError(w, "POST /v1/commands", http.StatusBadRequest, err)
		return
	}

	cmd, err := ingestion.ParseCommandJSON(req.Type, body)
	if err != nil {
		a.writeError(w, "POST /v1/commands", http.StatusBadRequest, err)
		return
	}

	a.submit(w, "POST /v1/commands", cmd)
}

func (a *API) postTick(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		a.writeError(w, "POST /v1/ticks", http.StatusBadRequest, err)
		return
	}

	cmd, err := ingestion.ParseCommandJSON("tick", body)
	if err != nil {
		a.writeError(w, "POST /v1/ticks", http.StatusBadRequest, err)
		return
	}

	a.submit(w, "POST /v1/ticks", cmd)
}

func (a *API) submit(w http.ResponseWriter, endpoint string, cmd command.Command) {
	result := a.proc.Process(cmd)
	if result.Accepted {
		writeJSON(w, http.StatusOK, commandResponse{
			Accepted:  true,
			CommandID: result.CommandID.String(),
		})
		return
	}

	code := http.StatusBadRequest
	switch result.Kind {
	case command.KindConflict:
		code = http.StatusConflict
	case command.KindUnavailable:
		code = http.StatusServiceUnavailable
	case command.KindInternal:
		code = http.StatusInternalServerError
	}
	if a.metrics != nil {
		a.metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	}
	writeJSON(w, code, commandResponse{Accepted: false, Error: result.Error})
}

// --- Read handlers ---

func (a *API) getCityState(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	cityID, err := uuid.Parse(pathParams["city_id"])
	if err != nil {
		a.writeError(w, "GET /v1/cities/{city_id}", http.StatusBadRequest, err)
		return
	}

	state, err := a.qs.GetCityState(cityID)
	if err != nil {
		a.writeError(w, "GET /v1/cities/{city_id}", http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) getCommandLog(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	const endpoint = "GET /v1/cities/{city_id}/commands"

	cityID, err := uuid.Parse(pathParams["city_id"])
	if err != nil {
		a.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}

	limit := queryLimit(r, 100)
	before := queryInt64(r, "before_sequence")

	entries, err := a.qs.GetCommandLog(r.Context(), cityID, limit, before)
	if err != nil {
		a.writeError(w, endpoint, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commands": entries})
}

func (a *API) getDepth(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	const endpoint = "GET /v1/markets/{resource}/depth"

	resource, err := sim.ParseResource(pathParams["resource"])
	if err != nil {
		a.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}

	depth, err := a.qs.GetOrderBookDepth(resource)
	if err != nil {
		a.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func (a *API) getTrades(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	const endpoint = "GET /v1/markets/{resource}/trades"

	resource, err := sim.ParseResource(pathParams["resource"])
	if err != nil {
		a.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}

	limit := queryLimit(r, 100)
	before := queryInt64(r, "before_sequence")

	var cityID *uuid.UUID
	if raw := r.URL.Query().Get("city_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			a.writeError(w, endpoint, http.StatusBadRequest, err)
			return
		}
		cityID = &id
	}

	trades, err := a.qs.GetTradeHistory(r.Context(), cityID, &resource, limit, before)
	if err != nil {
		a.writeError(w, endpoint, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

func (a *API) getStats(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	const endpoint = "GET /v1/markets/{resource}/stats"

	resource, err := sim.ParseResource(pathParams["resource"])
	if err != nil {
		a.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}

	stats, err := a.qs.GetMarketStats(r.Context(), resource)
	if err != nil {
		a.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) getTreasuries(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"councils": a.qs.GetTreasuries()})
}

func (a *API) getIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := a.qs.VerifyIntegrity(r.Context())
	if err != nil {
		a.writeError(w, "GET /v1/admin/integrity", http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func (a *API) writeError(w http.ResponseWriter, endpoint string, code int, err error) {
	if a.metrics != nil {
		a.metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func queryInt64(r *http.Request, name string) *int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
