package models

// DeviceAttributes are the stable client attributes hashed into the
// fingerprint. Field order matters: the hash is computed over the fields
// in declaration order.
type DeviceAttributes struct {
	Platform            string `json:"platform"`
	Language            string `json:"language"`
	Timezone            string `json:"timezone"`
	Screen              string `json:"screen"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
	UserAgent           string `json:"user_agent"`
}

// Device is a fingerprinted client. The fingerprint is a pure function of
// the attributes, so repeated logins from the same client resolve to the
// same record.
type Device struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Name        string           `json:"name"`
	Type        string           `json:"type"`
	Trusted     bool             `json:"trusted"`
	Fingerprint string           `json:"fingerprint"`
	Components  DeviceAttributes `json:"components"`

	LastLocation string `json:"last_location,omitempty"`
	FirstSeenAt  int64  `json:"first_seen_at"`
	LastSeenAt   int64  `json:"last_seen_at"`
	LoginCount   int64  `json:"login_count"`
}
