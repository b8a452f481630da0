package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grace-platform/control-plane/internal/audit"
	"github.com/grace-platform/control-plane/internal/capa"
	"github.com/grace-platform/control-plane/internal/component"
	"github.com/grace-platform/control-plane/internal/eventmesh"
	"github.com/grace-platform/control-plane/internal/governance"
	"github.com/grace-platform/control-plane/internal/handshake"
	"github.com/grace-platform/control-plane/internal/logichub"
	"github.com/grace-platform/control-plane/internal/memoryfusion"
	"github.com/grace-platform/control-plane/internal/mission"
	"github.com/grace-platform/control-plane/internal/portmanager"
	"github.com/grace-platform/control-plane/pkg/logger"
)

// Deps bundles every subsystem the HTTP surface dispatches into.
type Deps struct {
	Manifest     *component.Manifest
	Bus          *eventmesh.Bus
	Governance   *governance.Engine
	AuditLog     *audit.Log
	Hub          *logichub.Hub
	Memory       *memoryfusion.Gateway
	Ports        *portmanager.Manager
	Missions     *mission.Loop
	Handshakes   *handshake.Coordinator
	CAPA         *capa.Sink
	Log          *logger.Logger
	JWTSecret    string
	MaxBodyBytes int64
}

// NewRouter builds the full gorilla/mux router with the standard
// middleware chain and every canonical route the control plane exposes.
func NewRouter(d *Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(Recovery(d.Log)))
	r.Use(mux.MiddlewareFunc(Logging(d.Log)))
	r.Use(mux.MiddlewareFunc(CORS))
	r.Use(mux.MiddlewareFunc(BodyLimit(maxBody(d.MaxBodyBytes))))

	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", handleReadyz(d)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/clarity/events/stream", eventmesh.NewStreamUpgrader(d.Bus, d.Log)).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(Auth(d.JWTSecret))

	// Logic Hub
	api.HandleFunc("/logic-hub/updates/{kind}", handleSubmitUpdate(d)).Methods(http.MethodPost)
	api.HandleFunc("/logic-hub/updates", handleListUpdates(d)).Methods(http.MethodGet)
	api.HandleFunc("/logic-hub/updates/{id}", handleGetUpdate(d)).Methods(http.MethodGet)
	api.HandleFunc("/logic-hub/stats", handleHubStats(d)).Methods(http.MethodGet)
	api.HandleFunc("/logic-hub/updates/{id}/rollback", handleRollback(d)).Methods(http.MethodPost)

	// Memory Fusion
	api.HandleFunc("/memory/fetch", handleMemoryFetch(d)).Methods(http.MethodPost)
	api.HandleFunc("/memory/store", handleMemoryStore(d)).Methods(http.MethodPost)
	api.HandleFunc("/memory/verify-fetch", handleMemoryVerifyFetch(d)).Methods(http.MethodPost)
	api.HandleFunc("/memory/audit-trail/{session_id}", handleMemoryAuditTrail(d)).Methods(http.MethodGet)
	api.HandleFunc("/memory/{namespace}/{key}", handleMemoryDelete(d)).Methods(http.MethodDelete)

	// Components / Clarity
	api.HandleFunc("/clarity/components", handleListComponents(d)).Methods(http.MethodGet)
	api.HandleFunc("/clarity/components/{name}", handleGetComponent(d)).Methods(http.MethodGet)
	api.HandleFunc("/clarity/components/{name}/heartbeat", handleHeartbeat(d)).Methods(http.MethodPost)
	api.HandleFunc("/clarity/events", handleMeshHistory(d)).Methods(http.MethodGet)
	api.HandleFunc("/clarity/mesh", handleMeshRoutes(d)).Methods(http.MethodGet)
	api.HandleFunc("/clarity/mesh/publish", handlePublishEvent(d)).Methods(http.MethodPost)

	// Audit
	api.HandleFunc("/audit/range", handleAuditRange(d)).Methods(http.MethodGet)
	api.HandleFunc("/audit/verify", handleAuditVerify(d)).Methods(http.MethodGet)

	// Handshake
	api.HandleFunc("/handshake", handleHandshakeSubmit(d)).Methods(http.MethodPost)
	api.HandleFunc("/handshake/{id}/ack", handleHandshakeAck(d)).Methods(http.MethodPost)

	// Port manager
	api.HandleFunc("/ports/status", handlePortStatus(d)).Methods(http.MethodGet)
	api.HandleFunc("/ports/allocations", handlePortAllocations(d)).Methods(http.MethodGet)
	api.HandleFunc("/ports/health-check", handlePortHealthCheck(d)).Methods(http.MethodPost)
	api.HandleFunc("/ports/allocate", handlePortAllocate(d)).Methods(http.MethodPost)
	api.HandleFunc("/ports/{owner}", handlePortRelease(d)).Methods(http.MethodDelete)

	// Missions / CAPA
	api.HandleFunc("/missions", handleListMissions(d)).Methods(http.MethodGet)
	api.HandleFunc("/missions/{id}", handleGetMission(d)).Methods(http.MethodGet)
	api.HandleFunc("/missions/{id}/retrospective", handleMissionRetrospective(d)).Methods(http.MethodGet)
	api.HandleFunc("/missions/{id}/health-checks", handleMissionHealthCheck(d)).Methods(http.MethodPost)
	api.HandleFunc("/capa/open", handleCAPAOpen(d)).Methods(http.MethodGet)
	api.HandleFunc("/capa/create", handleCAPACreate(d)).Methods(http.MethodPost)
	api.HandleFunc("/capa/{id}", handleCAPAGet(d)).Methods(http.MethodGet)
	api.HandleFunc("/capa/{id}/advance", handleCAPAAdvance(d)).Methods(http.MethodPost)

	return r
}

func maxBody(v int64) int64 {
	if v <= 0 {
		return 2 << 20 // 2 MiB default
	}
	return v
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReadyz(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "ready",
			"components": len(d.Manifest.All()),
		})
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func muxVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
