// Package softpos turns a phone with an NFC transceiver into a
// contactless payment terminal: application discovery, kernel
// routing, rate limiting and the offline store-and-forward path
// around the scheme kernels.
package softpos

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tapforge/softpos/apdu"
	"github.com/tapforge/softpos/kernel"
	"github.com/tapforge/softpos/offline"
	"github.com/tapforge/softpos/pace"
)

// SupportedApp binds an AID prefix to the kernel that drives it.
type SupportedApp struct {
	AID    []byte
	Scheme kernel.Scheme
}

// DefaultApps covers the five supported networks by their registered
// RID prefixes.
func DefaultApps() []SupportedApp {
	aid := func(s string) []byte {
		b, _ := hex.DecodeString(s)
		return b
	}
	return []SupportedApp{
		{AID: aid("a000000003"), Scheme: kernel.Visa},
		{AID: aid("a000000004"), Scheme: kernel.Mastercard},
		{AID: aid("a000000065"), Scheme: kernel.JCB},
		{AID: aid("a000000152"), Scheme: kernel.Discover},
		{AID: aid("a000000324"), Scheme: kernel.Discover},
		{AID: aid("a000000333"), Scheme: kernel.UnionPay},
	}
}

// Config is the terminal-level configuration around the kernel one.
type Config struct {
	Kernel kernel.Config
	// Apps routes discovered AIDs onto kernels; empty uses DefaultApps.
	Apps []SupportedApp
	// MinTapInterval spaces consecutive transactions.
	MinTapInterval time.Duration
	// TapsPerMinute caps the rolling-minute transaction count; zero
	// disables.
	TapsPerMinute int
}

var (
	ErrNoCandidate = errors.New("softpos: no supported application on card")
)

// Terminal drives transactions end to end. One terminal instance runs
// one transaction at a time; the rate limiter enforces it.
type Terminal struct {
	cfg     Config
	col     kernel.Collaborators
	kernels map[kernel.Scheme]*kernel.Kernel
	limiter *pace.RateLimiter
	queue   *offline.Queue
	log     *zap.Logger
	seq     atomic.Uint32
}

// NewTerminal wires the kernels for every configured scheme. The
// queue may be nil when store-and-forward is not used.
func NewTerminal(cfg Config, col kernel.Collaborators, queue *offline.Queue) (*Terminal, error) {
	if len(cfg.Apps) == 0 {
		cfg.Apps = DefaultApps()
	}
	if col.Log == nil {
		col.Log = zap.NewNop()
	}
	t := &Terminal{
		cfg:     cfg,
		col:     col,
		kernels: make(map[kernel.Scheme]*kernel.Kernel),
		limiter: pace.NewRateLimiter(cfg.MinTapInterval, cfg.TapsPerMinute),
		queue:   queue,
		log:     col.Log,
	}
	for _, app := range cfg.Apps {
		if _, ok := t.kernels[app.Scheme]; ok {
			continue
		}
		k, err := kernel.New(app.Scheme, cfg.Kernel, col)
		if err != nil {
			return nil, fmt.Errorf("softpos: %s kernel: %w", app.Scheme, err)
		}
		t.kernels[app.Scheme] = k
	}
	return t, nil
}

// discover runs PPSE selection and picks the best-priority candidate
// the terminal supports.
func (t *Terminal) discover(ctx context.Context) (apdu.Candidate, kernel.Scheme, error) {
	cctx, cancel := context.WithTimeout(ctx, pace.DeadlineSelect)
	defer cancel()
	resp, err := apdu.Exchanger{T: t.col.Transceiver}.Exchange(cctx, apdu.SelectPPSE())
	if err != nil {
		return apdu.Candidate{}, 0, err
	}
	if !resp.OK() {
		return apdu.Candidate{}, 0, fmt.Errorf("softpos: PPSE select: %s", apdu.Describe(resp.SW()))
	}
	cands, err := apdu.ParsePPSE(resp.Data)
	if err != nil {
		return apdu.Candidate{}, 0, err
	}
	for _, cand := range cands {
		for _, app := range t.cfg.Apps {
			if apdu.MatchAID(app.AID, cand.AID) {
				return cand, app.Scheme, nil
			}
		}
	}
	return apdu.Candidate{}, 0, ErrNoCandidate
}

// Tap runs one complete transaction for the presented card.
func (t *Terminal) Tap(ctx context.Context, p kernel.Params) (kernel.Outcome, error) {
	if err := t.limiter.Allow(); err != nil {
		return kernel.Outcome{}, err
	}
	if p.Date.IsZero() {
		p.Date = time.Now()
	}
	if p.SequenceCounter == 0 {
		p.SequenceCounter = t.seq.Add(1)
	}

	cand, scheme, err := t.discover(ctx)
	if err != nil {
		if apdu.FatalTransport(err) {
			return kernel.Outcome{Kind: kernel.KindEndApplication, Reason: "transport failure", Err: err}, nil
		}
		return kernel.Outcome{}, err
	}
	k := t.kernels[scheme]
	t.log.Debug("routing application",
		zap.String("aid", hex.EncodeToString(cand.AID)),
		zap.String("scheme", scheme.String()))

	out := k.Process(ctx, cand.AID, p)
	if out.Kind == kernel.KindApproved {
		t.recordOffline(p, out)
	}
	return out, nil
}

// recordOffline books an offline approval against the gate and queues
// it for submission.
func (t *Terminal) recordOffline(p kernel.Params, out kernel.Outcome) {
	if out.Approved == nil {
		return
	}
	panHash := out.Approved.PANHash
	if t.col.Gate != nil && panHash != "" {
		if err := t.col.Gate.RecordOffline(panHash, p.Amount); err != nil {
			t.log.Error("recording offline counters failed", zap.Error(err))
		}
	}
	if t.queue == nil {
		return
	}
	err := t.queue.Enqueue(offline.Transaction{
		PANHash:    panHash,
		Amount:     p.Amount,
		Currency:   t.cfg.Kernel.CurrencyCode,
		Cryptogram: hex.EncodeToString(out.Approved.TC),
		Aux: map[string]string{
			"aid": hex.EncodeToString(out.AID),
			"atc": hex.EncodeToString(out.Approved.ATC),
		},
	})
	if err != nil {
		t.log.Error("queueing offline transaction failed", zap.Error(err))
	}
}

// CompleteOnline reports the result of an online authorization back
// into the offline gate so the per-card counters reset on success.
func (t *Terminal) CompleteOnline(panHash string, approved bool) error {
	if t.col.Gate == nil || panHash == "" {
		return nil
	}
	return t.col.Gate.RecordOnline(panHash, approved)
}
