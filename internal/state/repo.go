package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
)

// Repo wraps the state database and provides CRUD for the durable tables.
// All writes are serialized by an internal mutex.
type Repo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewRepo creates a Repo for an already-migrated database connection.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// --- reputation ---

// UpsertReputation inserts or replaces a reputation record.
// On update, created_at_ns is preserved.
func (r *Repo) UpsertReputation(rec model.Reputation) error {
	events, err := marshalEvents(rec.Events)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO reputation (address, score, events_json, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			score         = excluded.score,
			events_json   = excluded.events_json,
			updated_at_ns = excluded.updated_at_ns
	`, rec.Address, rec.Score, events, rec.CreatedAtNs, rec.UpdatedAtNs)
	return err
}

// SaveReputationBatch upserts and deletes reputation records in one transaction.
func (r *Repo) SaveReputationBatch(upserts []model.Reputation, deletes []string) error {
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reputation batch: %w", err)
	}
	defer tx.Rollback()

	if len(upserts) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO reputation (address, score, events_json, created_at_ns, updated_at_ns)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				score         = excluded.score,
				events_json   = excluded.events_json,
				updated_at_ns = excluded.updated_at_ns
		`)
		if err != nil {
			return fmt.Errorf("prepare reputation upsert: %w", err)
		}
		defer stmt.Close()
		for _, rec := range upserts {
			events, err := marshalEvents(rec.Events)
			if err != nil {
				return err
			}
			if _, err := stmt.Exec(rec.Address, rec.Score, events, rec.CreatedAtNs, rec.UpdatedAtNs); err != nil {
				return fmt.Errorf("upsert reputation %s: %w", rec.Address, err)
			}
		}
	}

	for _, addr := range deletes {
		if _, err := tx.Exec("DELETE FROM reputation WHERE address = ?", addr); err != nil {
			return fmt.Errorf("delete reputation %s: %w", addr, err)
		}
	}

	return tx.Commit()
}

// DeleteReputation removes a reputation record by address.
func (r *Repo) DeleteReputation(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM reputation WHERE address = ?", address)
	return err
}

// ListReputation returns all reputation records.
func (r *Repo) ListReputation() ([]model.Reputation, error) {
	rows, err := r.db.Query("SELECT address, score, events_json, created_at_ns, updated_at_ns FROM reputation")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Reputation
	for rows.Next() {
		var rec model.Reputation
		var events string
		if err := rows.Scan(&rec.Address, &rec.Score, &events, &rec.CreatedAtNs, &rec.UpdatedAtNs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(events), &rec.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events for %s: %w", rec.Address, err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func marshalEvents(events []model.ReputationEvent) (string, error) {
	if events == nil {
		return "[]", nil
	}
	data, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal events: %w", err)
	}
	return string(data), nil
}

// --- peers ---

// UpsertPeer inserts or updates a peer by host.
// On update, created_at_ns is preserved.
func (r *Repo) UpsertPeer(p model.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO peers (host, port, name, description, status, consecutive_failures,
		                   last_success_ns, last_sync_ns, content_count, latency_ms, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			port                 = excluded.port,
			name                 = excluded.name,
			description          = excluded.description,
			status               = excluded.status,
			consecutive_failures = excluded.consecutive_failures,
			last_success_ns      = excluded.last_success_ns,
			last_sync_ns         = excluded.last_sync_ns,
			content_count        = excluded.content_count,
			latency_ms           = excluded.latency_ms
	`, p.Host, p.Port, p.Name, p.Description, p.Status, p.ConsecutiveFailures,
		p.LastSuccessNs, p.LastSyncNs, p.ContentCount, p.LatencyMs, p.CreatedAtNs)
	return err
}

// DeletePeer removes a peer by host. Returns ErrNotFound if no row matched.
func (r *Repo) DeletePeer(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM peers WHERE host = ?", host)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ListPeers returns all peers ordered by host.
func (r *Repo) ListPeers() ([]model.Peer, error) {
	rows, err := r.db.Query(`
		SELECT host, port, name, description, status, consecutive_failures,
		       last_success_ns, last_sync_ns, content_count, latency_ms, created_at_ns
		FROM peers ORDER BY host`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Peer
	for rows.Next() {
		var p model.Peer
		if err := rows.Scan(&p.Host, &p.Port, &p.Name, &p.Description, &p.Status, &p.ConsecutiveFailures,
			&p.LastSuccessNs, &p.LastSyncNs, &p.ContentCount, &p.LatencyMs, &p.CreatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- bans ---

// UpsertBan inserts or replaces a ban.
func (r *Repo) UpsertBan(b model.Ban) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO bans (address, reason, created_at_ns, expires_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			reason        = excluded.reason,
			created_at_ns = excluded.created_at_ns,
			expires_at_ns = excluded.expires_at_ns
	`, b.Address, b.Reason, b.CreatedAtNs, b.ExpiresAtNs)
	return err
}

// DeleteBan removes a ban by address. Returns ErrNotFound if no row matched.
func (r *Repo) DeleteBan(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM bans WHERE address = ?", address)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteExpiredBans removes bans whose expiry is set and before nowNs.
func (r *Repo) DeleteExpiredBans(nowNs int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM bans WHERE expires_at_ns > 0 AND expires_at_ns <= ?", nowNs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListBans returns all bans.
func (r *Repo) ListBans() ([]model.Ban, error) {
	rows, err := r.db.Query("SELECT address, reason, created_at_ns, expires_at_ns FROM bans ORDER BY address")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Ban
	for rows.Next() {
		var b model.Ban
		if err := rows.Scan(&b.Address, &b.Reason, &b.CreatedAtNs, &b.ExpiresAtNs); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// --- traffic history ---

// AddTrafficBuckets accumulates bucket rows in one transaction. Rows for an
// existing (bucket, protocol) pair are added to, not replaced.
func (r *Repo) AddTrafficBuckets(rows []model.TrafficBucket) error {
	if len(rows) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin traffic batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO traffic_bucket (bucket_start_unix, protocol, ingress_bytes, egress_bytes, total_requests, ok_requests)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket_start_unix, protocol) DO UPDATE SET
			ingress_bytes  = ingress_bytes  + excluded.ingress_bytes,
			egress_bytes   = egress_bytes   + excluded.egress_bytes,
			total_requests = total_requests + excluded.total_requests,
			ok_requests    = ok_requests    + excluded.ok_requests
	`)
	if err != nil {
		return fmt.Errorf("prepare traffic upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range rows {
		if _, err := stmt.Exec(b.BucketStartUnix, b.Protocol, b.IngressBytes, b.EgressBytes, b.TotalRequests, b.OKRequests); err != nil {
			return fmt.Errorf("upsert traffic bucket %d/%s: %w", b.BucketStartUnix, b.Protocol, err)
		}
	}
	return tx.Commit()
}

// ListTrafficBuckets returns buckets with from <= start <= to, oldest first.
func (r *Repo) ListTrafficBuckets(fromUnix, toUnix int64) ([]model.TrafficBucket, error) {
	rows, err := r.db.Query(`
		SELECT bucket_start_unix, protocol, ingress_bytes, egress_bytes, total_requests, ok_requests
		FROM traffic_bucket
		WHERE bucket_start_unix >= ? AND bucket_start_unix <= ?
		ORDER BY bucket_start_unix, protocol`, fromUnix, toUnix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.TrafficBucket
	for rows.Next() {
		var b model.TrafficBucket
		if err := rows.Scan(&b.BucketStartUnix, &b.Protocol, &b.IngressBytes, &b.EgressBytes, &b.TotalRequests, &b.OKRequests); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// DeleteTrafficBucketsBefore prunes history older than cutoffUnix.
func (r *Repo) DeleteTrafficBucketsBefore(cutoffUnix int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM traffic_bucket WHERE bucket_start_unix < ?", cutoffUnix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
