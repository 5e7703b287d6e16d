package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gluk-w/otaplane/internal/devicetoken"
	"github.com/go-chi/chi/v5"
)

type contextKey string

const deviceContextKey contextKey = "device_id"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireDevice authenticates device requests with the bearer token
// issued at registration. When the route carries a {deviceID} parameter
// it must match the token's device: a device can never act as another.
func RequireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Device token required"})
			return
		}

		deviceID, err := devicetoken.Verify(token[len(prefix):])
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid device token"})
			return
		}

		if param := chi.URLParam(r, "deviceID"); param != "" && param != deviceID {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Token does not match device"})
			return
		}

		ctx := context.WithValue(r.Context(), deviceContextKey, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetDeviceID returns the authenticated device id, or "".
func GetDeviceID(r *http.Request) string {
	id, _ := r.Context().Value(deviceContextKey).(string)
	return id
}
