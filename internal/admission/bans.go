package admission

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/state"
)

// ErrInvalidAddress is returned when a ban target is not an IP address.
var ErrInvalidAddress = errors.New("invalid address")

// ErrBanNotFound is returned by Unban when no ban exists.
var ErrBanNotFound = errors.New("ban not found")

// BanStore is the durable backing table. *state.Repo implements it.
type BanStore interface {
	UpsertBan(b model.Ban) error
	DeleteBan(address string) error
	DeleteExpiredBans(nowNs int64) (int64, error)
	ListBans() ([]model.Ban, error)
}

// BanList holds explicit local bans keyed by normalized address.
type BanList struct {
	bans   *xsync.Map[string, model.Ban]
	store  BanStore
	now    func() time.Time
	logger *log.Logger
}

// NewBanList creates an empty BanList. store may be nil.
func NewBanList(store BanStore) *BanList {
	return &BanList{
		bans:   xsync.NewMap[string, model.Ban](),
		store:  store,
		now:    time.Now,
		logger: log.WithPrefix("bans"),
	}
}

// NormalizeAddress canonicalizes an IP address string.
func NormalizeAddress(s string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return addr.Unmap().WithZone("").String(), nil
}

// Load restores persisted bans, skipping ones that already expired.
func (l *BanList) Load() error {
	if l.store == nil {
		return nil
	}
	bans, err := l.store.ListBans()
	if err != nil {
		return fmt.Errorf("bans: load: %w", err)
	}
	nowNs := l.now().UnixNano()
	for _, b := range bans {
		if expired(b, nowNs) {
			continue
		}
		l.bans.Store(b.Address, b)
	}
	return nil
}

// Ban adds or replaces a ban. ttl <= 0 means permanent.
func (l *BanList) Ban(address, reason string, ttl time.Duration) (model.Ban, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return model.Ban{}, err
	}
	now := l.now()
	b := model.Ban{Address: addr, Reason: reason, CreatedAtNs: now.UnixNano()}
	if ttl > 0 {
		b.ExpiresAtNs = now.Add(ttl).UnixNano()
	}
	if l.store != nil {
		if err := l.store.UpsertBan(b); err != nil {
			return model.Ban{}, fmt.Errorf("bans: persist %s: %w", addr, err)
		}
	}
	l.bans.Store(addr, b)
	l.logger.Info("banned", "address", addr, "reason", reason, "ttl", ttl)
	return b, nil
}

// Seed applies a configured ban unless an active ban on address already
// lasts at least as long, so restarts do not push a ban's expiry forward.
// It reports whether a ban was written.
func (l *BanList) Seed(address, reason string, ttl time.Duration) (model.Ban, bool, error) {
	if cur, ok := l.Lookup(address); ok {
		covered := cur.ExpiresAtNs == 0 ||
			(ttl > 0 && cur.ExpiresAtNs >= l.now().Add(ttl).UnixNano())
		if covered {
			return cur, false, nil
		}
	}
	b, err := l.Ban(address, reason, ttl)
	if err != nil {
		return model.Ban{}, false, err
	}
	return b, true, nil
}

// Unban removes the ban on address.
func (l *BanList) Unban(address string) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	if _, ok := l.bans.LoadAndDelete(addr); !ok {
		return fmt.Errorf("%w: %s", ErrBanNotFound, addr)
	}
	if l.store != nil {
		if err := l.store.DeleteBan(addr); err != nil && !state.IsNotFound(err) {
			l.logger.Error("delete failed", "address", addr, "err", err)
		}
	}
	l.logger.Info("unbanned", "address", addr)
	return nil
}

// Lookup returns the active ban on address. Expired bans are dropped lazily.
func (l *BanList) Lookup(address string) (model.Ban, bool) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return model.Ban{}, false
	}
	nowNs := l.now().UnixNano()
	var active bool
	b, _ := l.bans.Compute(addr, func(cur model.Ban, loaded bool) (model.Ban, xsync.ComputeOp) {
		if !loaded {
			return cur, xsync.CancelOp
		}
		if expired(cur, nowNs) {
			return cur, xsync.DeleteOp
		}
		active = true
		return cur, xsync.CancelOp
	})
	return b, active
}

// IsBanned reports whether address has an active ban.
func (l *BanList) IsBanned(address string) bool {
	_, ok := l.Lookup(address)
	return ok
}

// List returns active bans sorted by address.
func (l *BanList) List() []model.Ban {
	nowNs := l.now().UnixNano()
	out := make([]model.Ban, 0, l.bans.Size())
	l.bans.Range(func(_ string, b model.Ban) bool {
		if !expired(b, nowNs) {
			out = append(out, b)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Sweep drops expired bans from memory and the store and returns how many
// in-memory entries were removed.
func (l *BanList) Sweep() int {
	nowNs := l.now().UnixNano()
	removed := 0
	l.bans.Range(func(addr string, _ model.Ban) bool {
		l.bans.Compute(addr, func(cur model.Ban, loaded bool) (model.Ban, xsync.ComputeOp) {
			if loaded && expired(cur, nowNs) {
				removed++
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		return true
	})
	if l.store != nil {
		if _, err := l.store.DeleteExpiredBans(nowNs); err != nil {
			l.logger.Error("prune expired failed", "err", err)
		}
	}
	return removed
}

func expired(b model.Ban, nowNs int64) bool {
	return b.ExpiresAtNs != 0 && b.ExpiresAtNs <= nowNs
}
