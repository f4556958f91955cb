package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"gatekeeper/internal/platform/config"
)

func TestSign(t *testing.T) {
	secret := "secret"
	payload := []byte("payload")

	// Calculated using: echo -n "payload" | openssl dgst -sha256 -hmac "secret"
	expected := "b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4"

	got := Sign(secret, payload)

	if got != expected {
		t.Errorf("Sign() = %v, want %v", got, expected)
	}
}

func TestNotifierSignsDeliveries(t *testing.T) {
	type received struct {
		signature string
		event     string
		body      []byte
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			signature: r.Header.Get("X-Gatekeeper-Signature"),
			event:     r.Header.Get("X-Gatekeeper-Event"),
			body:      body,
		}
	}))
	defer srv.Close()

	n := NewNotifier(config.NotifyConfig{URL: srv.URL, Secret: "hook-secret", WorkerCount: 1})
	n.Notify(EventNewDevice, "usr_1", "tn_1", map[string]string{"device_id": "dev_1"})
	n.Close()

	r := <-got
	if r.event != EventNewDevice {
		t.Errorf("event header = %q", r.event)
	}
	if r.signature != Sign("hook-secret", r.body) {
		t.Error("signature does not verify against the delivered body")
	}

	var e Event
	if err := json.Unmarshal(r.body, &e); err != nil {
		t.Fatal(err)
	}
	if e.UserID != "usr_1" || e.Event != EventNewDevice {
		t.Errorf("payload = %+v", e)
	}
}

func TestNotifierDisabledWithoutURL(t *testing.T) {
	n := NewNotifier(config.NotifyConfig{WorkerCount: 1})
	// Must not block or panic with no endpoint configured.
	n.Notify(EventAccountLocked, "usr_1", "tn_1", nil)
	n.Close()
}
