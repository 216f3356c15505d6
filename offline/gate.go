// Package offline decides when a transaction may complete without the
// acquirer - per-card counters against a floor/velocity/time policy -
// and queues approved-offline transactions for later submission.
package offline

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/tapforge/softpos/store"
)

// Policy bounds offline acceptance. Zero values disable the
// corresponding check, MaxConsecutive and CumulativeCeiling included.
type Policy struct {
	// FloorLimit is the largest single amount accepted offline; zero
	// disables the per-amount check.
	FloorLimit uint64
	// AllowFirstOffline admits cards never seen online before.
	AllowFirstOffline bool
	// CumulativeCeiling caps the offline total since the last online
	// reset.
	CumulativeCeiling uint64
	// MaxConsecutive caps offline transactions in a row.
	MaxConsecutive int
	// BaseVelocityPct is the base probability of a random online
	// selection, grown by consecutive count and cumulative ratio.
	BaseVelocityPct int
	// MaxSinceOnline forces online when the card has not been online
	// for this long; zero disables.
	MaxSinceOnline time.Duration
	// Retention keeps settled queue records around before purging.
	Retention time.Duration
}

// CardState is the per-PAN-hash counter record.
type CardState struct {
	Cumulative  uint64    `cbor:"1,keyasint"`
	Consecutive int       `cbor:"2,keyasint"`
	LastOnline  time.Time `cbor:"3,keyasint,omitempty"`
	LastOffline time.Time `cbor:"4,keyasint,omitempty"`
}

// Reasons carries the flags of a force-online decision.
type Reasons struct {
	FloorExceeded            bool
	FirstSeen                bool
	CumulativeLimitExceeded  bool
	ConsecutiveLimitExceeded bool
	RandomSelection          bool
	OnlineOverdue            bool
}

// Decision is the gate's verdict for one transaction.
type Decision struct {
	AllowOffline bool
	Reasons      Reasons
}

const cardKeyPrefix = "offline/card/"

// Gate tracks per-card offline usage. Reads are safe from concurrent
// transactions; writes go through the encrypted store under the per-key
// lock it guarantees.
type Gate struct {
	policy Policy
	kv     *store.Store
	log    *zap.Logger

	now  func() time.Time
	pct  func() int // random percentile 0..99

	mu     sync.RWMutex
	states map[string]CardState
}

// NewGate loads persisted counter state from kv.
func NewGate(policy Policy, kv *store.Store, log *zap.Logger) (*Gate, error) {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gate{
		policy: policy,
		kv:     kv,
		log:    log,
		now:    time.Now,
		pct:    func() int { return rand.Intn(100) },
		states: make(map[string]CardState),
	}
	entries, err := kv.Entries(cardKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("offline: load card state: %w", err)
	}
	for key, raw := range entries {
		var st CardState
		if err := cbor.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("offline: decode card state %q: %w", key, err)
		}
		g.states[key[len(cardKeyPrefix):]] = st
	}
	return g, nil
}

// State returns the tracked counters for a card hash.
func (g *Gate) State(panHash string) (CardState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.states[panHash]
	return st, ok
}

// velocityPct grows the base probability with consecutive count and
// with how much of the cumulative ceiling is used, capped at 100.
func (g *Gate) velocityPct(st CardState) int {
	pct := g.policy.BaseVelocityPct
	pct += st.Consecutive * 5
	if g.policy.CumulativeCeiling > 0 {
		pct += int(st.Cumulative * 50 / g.policy.CumulativeCeiling)
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ShouldForceOnline evaluates the policy checks in order and returns
// the first reason to go online, or an offline allowance.
func (g *Gate) ShouldForceOnline(panHash string, amount uint64) Decision {
	st, seen := g.State(panHash)

	force := func(r Reasons) Decision {
		g.log.Debug("offline gate forces online",
			zap.Uint64("amount", amount), zap.Any("reasons", r))
		return Decision{Reasons: r}
	}

	if g.policy.FloorLimit > 0 && amount > g.policy.FloorLimit {
		return force(Reasons{FloorExceeded: true})
	}
	if !seen && !g.policy.AllowFirstOffline {
		return force(Reasons{FirstSeen: true})
	}
	if g.policy.CumulativeCeiling > 0 && st.Cumulative+amount > g.policy.CumulativeCeiling {
		return force(Reasons{CumulativeLimitExceeded: true})
	}
	if g.policy.MaxConsecutive > 0 && st.Consecutive >= g.policy.MaxConsecutive {
		return force(Reasons{ConsecutiveLimitExceeded: true})
	}
	if g.policy.BaseVelocityPct > 0 && g.pct() < g.velocityPct(st) {
		return force(Reasons{RandomSelection: true})
	}
	if g.policy.MaxSinceOnline > 0 && !st.LastOnline.IsZero() &&
		g.now().Sub(st.LastOnline) > g.policy.MaxSinceOnline {
		return force(Reasons{OnlineOverdue: true})
	}
	return Decision{AllowOffline: true}
}

func (g *Gate) persist(panHash string, st CardState) error {
	raw, err := cbor.Marshal(st)
	if err != nil {
		return err
	}
	return g.kv.Put(cardKeyPrefix+panHash, raw)
}

// RecordOnline notes an online authorization. Success resets the
// consecutive count and cumulative amount; failure keeps both.
func (g *Gate) RecordOnline(panHash string, success bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.states[panHash]
	if success {
		st.Cumulative = 0
		st.Consecutive = 0
		st.LastOnline = g.now()
	}
	g.states[panHash] = st
	return g.persist(panHash, st)
}

// RecordOffline bumps the counters for an offline approval.
func (g *Gate) RecordOffline(panHash string, amount uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.states[panHash]
	st.Cumulative += amount
	st.Consecutive++
	st.LastOffline = g.now()
	g.states[panHash] = st
	return g.persist(panHash, st)
}
