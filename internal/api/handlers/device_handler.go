package handlers

import (
	"net/http"

	apiContext "gatekeeper/internal/api/context"
	"gatekeeper/internal/engine/device"
	"gatekeeper/internal/platform/auth"
)

type DeviceHandler struct {
	devices *device.Manager
}

func NewDeviceHandler(devices *device.Manager) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

// List returns every device seen for the authenticated user.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

	devices, err := h.devices.List(r.Context(), claims.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// Trust marks a device so future logins from it skip the MFA challenge.
func (h *DeviceHandler) Trust(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)
	deviceID := paramFromContext(r, "device_id")

	d, err := h.devices.MarkTrusted(r.Context(), claims.UserID, deviceID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Revoke forgets a device. Its next login registers from scratch,
// untrusted.
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)
	deviceID := paramFromContext(r, "device_id")

	if err := h.devices.Revoke(r.Context(), claims.UserID, deviceID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": true})
}
