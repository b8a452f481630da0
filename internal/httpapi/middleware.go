// Package httpapi implements the control plane's canonical HTTP/JSON
// surface: the Logic Hub, Memory Fusion, Component/Event Mesh, Port
// Manager and Mission/CAPA endpoints, routed with gorilla/mux and guarded
// by a JWT bearer-token middleware chain in the teacher's style.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/grace-platform/control-plane/internal/graceerr"
	"github.com/grace-platform/control-plane/internal/metrics"
	"github.com/grace-platform/control-plane/pkg/logger"
)

type ctxKey string

const actorKey ctxKey = "grace_actor"

// ActorFromContext returns the bearer token's subject claim, set by Auth.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return "anonymous"
}

// WriteError translates a graceerr.Error (or any error) into the standard
// JSON error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := map[string]interface{}{"error": err.Error()}

	if gerr, ok := graceerr.As(err); ok {
		status = gerr.HTTPStatus()
		body["kind"] = gerr.Kind
		body["message"] = gerr.Message
		if gerr.Details != nil {
			body["details"] = gerr.Details
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Logging logs each request's method, path, status and latency, and emits
// the request-duration/request-count metrics from internal/metrics.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			route := routeTemplate(r)
			status := fmt.Sprintf("%d", rec.status)
			metrics.RequestDuration.WithLabelValues(route, r.Method, status).Observe(elapsed.Seconds())
			metrics.RequestsTotal.WithLabelValues(route, r.Method, status).Inc()

			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": elapsed.String(),
			}).Info("http request")
		})
	}
}

func routeTemplate(r *http.Request) string {
	return r.URL.Path
}

// Recovery turns panics into a 500 JSON error instead of crashing the
// process, logging the stack trace.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(map[string]interface{}{
						"panic": fmt.Sprintf("%v", rec),
						"stack": string(debug.Stack()),
						"path":  r.URL.Path,
					}).Error("panic recovered")
					WriteError(w, r, fmt.Errorf("internal server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// BodyLimit rejects requests whose body exceeds maxBytes.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// Auth validates the bearer JWT against secret and attaches its subject
// claim to the request context as the acting actor.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix {
				WriteError(w, r, graceerr.New(graceerr.KindSignatureInvalid, "missing bearer token"))
				return
			}
			tokenStr := authz[len(prefix):]

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil {
				WriteError(w, r, graceerr.SignatureInvalid(err))
				return
			}

			sub, _ := claims["sub"].(string)
			if sub == "" {
				sub = "anonymous"
			}
			ctx := context.WithValue(r.Context(), actorKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORS applies a permissive cross-origin policy suitable for the Clarity
// dashboard consuming this API from a separate origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
