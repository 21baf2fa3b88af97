// Package model defines the row structs shared by the persistence layer and
// the services that own the in-memory tables.
package model

// ReputationEvent is one entry of a source's bounded event history.
type ReputationEvent struct {
	Kind        string `json:"kind"`
	Delta       int    `json:"delta"`
	TimestampNs int64  `json:"ts_ns"`
}

// Reputation is the persisted form of a per-source risk record.
type Reputation struct {
	Address     string            `json:"address"`
	Score       int               `json:"score"`
	Events      []ReputationEvent `json:"events"`
	CreatedAtNs int64             `json:"created_at_ns"`
	UpdatedAtNs int64             `json:"updated_at_ns"`
}

// Peer is the persisted form of a federation peer.
type Peer struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	Name                string `json:"name"`
	Description         string `json:"description"`
	Status              string `json:"status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastSuccessNs       int64  `json:"last_success_ns"`
	LastSyncNs          int64  `json:"last_sync_ns"`
	ContentCount        int    `json:"content_count"`
	LatencyMs           int64  `json:"latency_ms"`
	CreatedAtNs         int64  `json:"created_at_ns"`
}

// Ban is an explicit local ban. ExpiresAtNs == 0 means permanent.
type Ban struct {
	Address     string `json:"address"`
	Reason      string `json:"reason"`
	CreatedAtNs int64  `json:"created_at_ns"`
	ExpiresAtNs int64  `json:"expires_at_ns"`
}

// TrafficBucket is one persisted history bucket for a protocol.
type TrafficBucket struct {
	BucketStartUnix int64  `json:"bucket_start_unix"`
	Protocol        string `json:"protocol"`
	IngressBytes    int64  `json:"ingress_bytes"`
	EgressBytes     int64  `json:"egress_bytes"`
	TotalRequests   int64  `json:"total_requests"`
	OKRequests      int64  `json:"ok_requests"`
}
