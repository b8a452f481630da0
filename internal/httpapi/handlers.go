package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/grace-platform/control-plane/internal/capa"
	"github.com/grace-platform/control-plane/internal/component"
	"github.com/grace-platform/control-plane/internal/eventmesh"
	"github.com/grace-platform/control-plane/internal/graceerr"
	"github.com/grace-platform/control-plane/internal/logichub"
	"github.com/grace-platform/control-plane/internal/mission"
)

func durationSeconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// kindToUpdateType maps the path segment {schema|code-module|playbook|
// config|generic} onto a logichub.UpdateType. "generic" defers to the
// request body's own type field (e.g. metric_definition, component_handshake).
func kindToUpdateType(kind string) logichub.UpdateType {
	switch kind {
	case "schema":
		return logichub.UpdateSchema
	case "code-module":
		return logichub.UpdateCodeModule
	case "playbook":
		return logichub.UpdatePlaybook
	case "config":
		return logichub.UpdateConfig
	default:
		return ""
	}
}

type submitUpdateRequest struct {
	Type            string                 `json:"type"`
	TargetComponent string                 `json:"target_component"`
	Priority        string                 `json:"priority"`
	Payload         map[string]interface{} `json:"payload"`
}

func handleSubmitUpdate(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, graceerr.ValidationFailed("invalid JSON body"))
			return
		}
		updateType := kindToUpdateType(muxVar(r, "kind"))
		if updateType == "" {
			updateType = logichub.UpdateType(req.Type)
		}
		priority := logichub.PriorityNormal
		switch req.Priority {
		case "high":
			priority = logichub.PriorityHigh
		case "critical":
			priority = logichub.PriorityCritical
		}

		u, err := d.Hub.Submit(r.Context(), ActorFromContext(r.Context()), updateType, req.TargetComponent, priority, req.Payload)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]interface{}{"update_id": u.ID, "update": u})
	}
}

func handleGetUpdate(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := d.Hub.Get(muxVar(r, "id"))
		if !ok {
			WriteError(w, r, graceerr.New(graceerr.KindStateError, "update not found"))
			return
		}
		WriteJSON(w, http.StatusOK, u)
	}
}

func handleListUpdates(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
		WriteJSON(w, http.StatusOK, d.Hub.List(limit))
	}
}

func handleHubStats(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, d.Hub.Stats())
	}
}

func handleRollback(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prev, ok := d.Hub.Get(muxVar(r, "id"))
		if !ok {
			WriteError(w, r, graceerr.New(graceerr.KindStateError, "update not found"))
			return
		}
		u, err := d.Hub.Rollback(r.Context(), prev.TargetComponent, "manual rollback request")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, u)
	}
}

type memoryFetchRequest struct {
	Backend   string `json:"backend"`
	Namespace string `json:"domain"`
	Key       string `json:"query"`
}

func handleMemoryFetch(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memoryFetchRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, graceerr.ValidationFailed("invalid JSON body"))
			return
		}
		result, err := d.Memory.Fetch(r.Context(), ActorFromContext(r.Context()), req.Backend, req.Namespace, req.Key)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

type memoryStoreRequest struct {
	Backend    string                 `json:"backend"`
	Domain     string                 `json:"domain"`
	Key        string                 `json:"key"`
	Value      map[string]interface{} `json:"value"`
	TTLSeconds int                    `json:"ttl_seconds"`
}

func handleMemoryStore(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memoryStoreRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, graceerr.ValidationFailed("invalid JSON body"))
			return
		}
		ttl := durationSeconds(req.TTLSeconds)
		cryptoID, signature, auditRef, err := d.Memory.Store(r.Context(), ActorFromContext(r.Context()), req.Backend, req.Domain, req.Key, req.Value, ttl)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"crypto_id": cryptoID,
			"signature": signature,
			"audit_ref": auditRef,
		})
	}
}

type memoryVerifyFetchRequest struct {
	SessionID string `json:"session_id"`
	Signature string `json:"signature"`
}

func handleMemoryVerifyFetch(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memoryVerifyFetchRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, graceerr.ValidationFailed("invalid JSON body"))
			return
		}
		valid, found, err := d.Memory.VerifyFetch(r.Context(), req.SessionID, req.Signature)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"valid":             valid,
			"audit_trail_found": found,
		})
	}
}

func handleMemoryAuditTrail(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := muxVar(r, "session_id")
		entries, err := d.AuditLog.Range(r.Context(), 1, 1<<62)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var matched []interface{}
		for _, e := range entries {
			if e.Action == "memory_fetch_gateway" || e.Action == "memory_store" {
				if strings.Contains(string(e.Payload), sessionID) {
					matched = append(matched, e)
				}
			}
		}
		WriteJSON(w, http.StatusOK, matched)
	}
}

func handleMemoryDelete(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := d.Memory.Delete(r.Context(), ActorFromContext(r.Context()), r.URL.Query().Get("backend"), muxVar(r, "namespace"), muxVar(r, "key"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusNoContent, nil)
	}
}

func handleListComponents(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, d.Manifest.All())
	}
}

func handleGetComponent(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := d.Manifest.Lookup(muxVar(r, "name"))
		if !ok {
			WriteError(w, r, graceerr.New(graceerr.KindStateError, "component not found"))
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleHeartbeat(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Manifest.Heartbeat(muxVar(r, "name")); err != nil {
			WriteError(w, r, graceerr.New(graceerr.KindStateError, err.Error()))
			return
		}
		WriteJSON(w, http.StatusNoContent, nil)
	}
}

type publishEventRequest struct {
	Name     string                 `json:"name"`
	Priority string                 `json:"priority"`
	Payload  map[string]interface{} `json:"payload"`
	Audit    bool                   `json:"audit"`
	Alert    bool                   `json:"alert"`
}

func handlePublishEvent(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req publishEventRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, graceerr.ValidationFailed("invalid JSON body"))
			return
		}
		priority := eventmesh.PriorityNormal
		switch req.Priority {
		case "high":
			priority = eventmesh.PriorityHigh
		case "critical":
			priority = eventmesh.PriorityCritical
		case "low":
			priority = eventmesh.PriorityLow
		}
		if err := d.Bus.Publish(r.Context(), req.Name, priority, req.Payload, req.Audit, req.Alert); err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, nil)
	}
}

func handleMeshHistory(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := parseIntDefault(r.URL.Query().Get("limit"), 100)
		WriteJSON(w, http.StatusOK, d.Bus.History(n))
	}
}

func handleMeshRoutes(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, d.Bus.AllRoutes())
	}
}

func handleAuditRange(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from := int64(parseIntDefault(r.URL.Query().Get("from"), 1))
		to := int64(parseIntDefault(r.URL.Query().Get("to"), 1<<30))
		entries, err := d.AuditLog.Range(r.Context(), from, to)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, entries)
	}
}

func handleAuditVerify(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from := int64(parseIntDefault(r.URL.Query().Get("from"), 1))
		to := int64(parseIntDefault(r.URL.Query().Get("to"), 1<<30))
		if err := d.AuditLog.VerifyIntegrity(r.Context(), from, to); err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"valid": true})
	}
}

type handshakeSubmitRequest struct {
	Component    string   `json:"component"`
	Domain       string   `json:"domain"`
	Capabilities []string `json:"capabilities"`
	QuorumSet    []string `json:"quorum_set"`
}

func handleHandshakeSubmit(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req handshakeSubmitRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, graceerr.ValidationFailed("invalid JSON body"))
			return
		}
		h, err := d.Handshakes.Submit(r.Context(), req.Component, component.Domain(req.Domain), req.Capabilities, req.QuorumSet)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, h)
	}
}

type handshakeAckRequest struct {
	Member string `json:"member"`
}

func handleHandshakeAck(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req handshakeAckRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, graceerr.ValidationFailed("invalid JSON body"))
			return
		}
		h, err := d.Handshakes.Ack(r.Context(), muxVar(r, "id"), req.Member)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, h)
	}
}

func handlePortStatus(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, d.Ports.Status())
	}
}

func handlePortAllocations(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, d.Ports.Allocations())
	}
}

func handlePortHealthCheck(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Ports.HealthCheck(r.Context())
		WriteJSON(w, http.StatusOK, d.Ports.Status())
	}
}

func handlePortAllocate(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Owner string `json:"owner"`
		}
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, graceerr.ValidationFailed("invalid JSON body"))
			return
		}
		a, err := d.Ports.Allocate(r.Context(), req.Owner)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, a)
	}
}

func handlePortRelease(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Ports.Release(r.Context(), muxVar(r, "owner")); err != nil {
			WriteError(w, r, graceerr.New(graceerr.KindStateError, err.Error()))
			return
		}
		WriteJSON(w, http.StatusNoContent, nil)
	}
}

func handleListMissions(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := mission.Status(r.URL.Query().Get("status"))
		WriteJSON(w, http.StatusOK, d.Missions.List(status))
	}
}

func handleGetMission(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := d.Missions.Get(muxVar(r, "id"))
		if !ok {
			WriteError(w, r, graceerr.New(graceerr.KindStateError, "mission not found"))
			return
		}
		WriteJSON(w, http.StatusOK, m)
	}
}

func handleMissionRetrospective(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		retro, ok := d.Missions.Retrospective(muxVar(r, "id"))
		if !ok {
			WriteError(w, r, graceerr.New(graceerr.KindStateError, "mission not found"))
			return
		}
		WriteJSON(w, http.StatusOK, retro)
	}
}

type missionHealthCheckRequest struct {
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

func handleMissionHealthCheck(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req missionHealthCheckRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, graceerr.ValidationFailed("invalid JSON body"))
			return
		}
		if err := d.Missions.RecordHealthCheck(r.Context(), muxVar(r, "id"), req.Severity, req.Detail); err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusNoContent, nil)
	}
}

type capaAdvanceRequest struct {
	To string `json:"to"`
}

func handleCAPAAdvance(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req capaAdvanceRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, graceerr.ValidationFailed("invalid JSON body"))
			return
		}
		rec, err := d.CAPA.Advance(r.Context(), muxVar(r, "id"), capa.State(req.To))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

func handleCAPAGet(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := d.CAPA.Get(muxVar(r, "id"))
		if !ok {
			WriteError(w, r, graceerr.New(graceerr.KindStateError, "CAPA record not found"))
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

type capaCreateRequest struct {
	MissionID       string `json:"mission_id"`
	TargetComponent string `json:"target_component"`
	Summary         string `json:"summary"`
}

func handleCAPACreate(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req capaCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, graceerr.ValidationFailed("invalid JSON body"))
			return
		}
		rec, err := d.CAPA.Create(r.Context(), req.MissionID, req.TargetComponent, req.Summary)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, rec)
	}
}

func handleCAPAOpen(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, d.CAPA.AllOpen())
	}
}
