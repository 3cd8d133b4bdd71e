package core

import "time"

// StatusSpotCheckFlagged is an advisory audit-only status appended with
// probability SpotCheckRate after an accepted transition.
const StatusSpotCheckFlagged = "spot_check_flagged"

// AuditEntry is one line of the hash-chained transition log. EntryHash is
// the SHA-256 of the canonical JSON of the entry without the entry_hash
// field; PrevHash links it to the preceding line.
type AuditEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	NodeID      string    `json:"node_id"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	AgentID     string    `json:"agent_id"`
	PayloadHash string    `json:"payload_hash,omitempty"`
	PrevHash    string    `json:"prev_hash"`
	EntryHash   string    `json:"entry_hash"`
}
