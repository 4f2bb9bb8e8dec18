package store

import "time"

// AccessoryRecord is a published channel as edited through the API. Records
// take precedence over the channels of the config file.
type AccessoryRecord struct {
	Address   string         `json:"address"` // channel address "<interface>.<serial>:<channel>"
	Service   string         `json:"service,omitempty"`
	Name      string         `json:"name,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
