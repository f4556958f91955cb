package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gatekeeper/internal/platform/config"
)

// Notification event types pushed to the configured security endpoint.
const (
	EventNewDevice     = "security.new_device"
	EventNewLocation   = "security.new_location"
	EventAccountLocked = "security.account_locked"
	EventMfaDisabled   = "security.mfa_disabled"
	EventSessionsWiped = "security.sessions_revoked"
)

// Event is the notification payload. Data is event-specific detail.
type Event struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	UserID    string      `json:"user_id"`
	TenantID  string      `json:"tenant_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Notifier delivers security events to an external endpoint with an HMAC
// signature header. Delivery is best-effort and never blocks the caller:
// events queue to a worker pool and drop with a log line when the queue
// is full.
type Notifier struct {
	cfg    config.NotifyConfig
	client *http.Client
	queue  chan *Event
	wg     sync.WaitGroup
}

func NewNotifier(cfg config.NotifyConfig) *Notifier {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	n := &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan *Event, 256),
	}
	n.wg.Add(cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		go n.worker()
	}
	return n
}

// Notify enqueues an event. A disabled notifier (no URL configured)
// silently drops everything.
func (n *Notifier) Notify(event, userID, tenantID string, data interface{}) {
	if n.cfg.URL == "" {
		return
	}
	e := &Event{
		ID:        "evt_" + uuid.NewString(),
		Event:     event,
		Timestamp: time.Now().Unix(),
		UserID:    userID,
		TenantID:  tenantID,
		Data:      data,
	}
	select {
	case n.queue <- e:
	default:
		log.Warn().Str("event", event).Msg("notification queue full, event dropped")
	}
}

// Close stops accepting events and lets the workers drain the queue.
func (n *Notifier) Close() {
	close(n.queue)
	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for e := range n.queue {
		n.deliver(e)
	}
}

func (n *Notifier) deliver(e *Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}

	req, err := http.NewRequest("POST", n.cfg.URL, bytes.NewBuffer(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gatekeeper-Signature", Sign(n.cfg.Secret, payload))
	req.Header.Set("X-Gatekeeper-Event", e.Event)
	req.Header.Set("X-Gatekeeper-Delivery", e.ID)

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("event", e.Event).Msg("notification delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		log.Warn().Int("status", resp.StatusCode).Str("event", e.Event).Msg("notification rejected by receiver")
	}
}
