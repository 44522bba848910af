package models

import "time"

// NotifyPayload is the JSON body stored on a CRM outbox row. The outbox
// sender decodes it and calls the matching CRM board operation.
type NotifyPayload struct {
	LeadID        string     `json:"lead_id"`
	StageLabel    string     `json:"stage_label,omitempty"`
	NextContactAt *time.Time `json:"next_contact_at,omitempty"`
}
