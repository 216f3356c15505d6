package offline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/tapforge/softpos/store"
)

// Status of a queued transaction record.
type Status int

const (
	Pending Status = iota
	Submitted
	Declined
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Submitted:
		return "SUBMITTED"
	case Declined:
		return "DECLINED"
	default:
		return "FAILED"
	}
}

// Transaction is one store-and-forward record.
type Transaction struct {
	ID          string            `cbor:"1,keyasint"`
	PANHash     string            `cbor:"2,keyasint"`
	Amount      uint64            `cbor:"3,keyasint"`
	Currency    string            `cbor:"4,keyasint"`
	Cryptogram  string            `cbor:"5,keyasint"` // TC, hex
	Aux         map[string]string `cbor:"6,keyasint,omitempty"`
	Timestamp   time.Time         `cbor:"7,keyasint"`
	Status      Status            `cbor:"8,keyasint"`
	Attempts    int               `cbor:"9,keyasint"`
	LastAttempt time.Time         `cbor:"10,keyasint,omitempty"`
	SubmittedAt time.Time         `cbor:"11,keyasint,omitempty"`
}

// SubmitKind tags the acquirer's answer for one record.
type SubmitKind int

const (
	SubmitApproved SubmitKind = iota
	SubmitDeclined
	SubmitError
)

// SubmitResult is the submitter collaborator's answer.
type SubmitResult struct {
	Kind     SubmitKind
	AuthCode string
	Reason   string
}

// Submitter forwards one stored transaction to the acquirer.
type Submitter interface {
	Submit(ctx context.Context, txn Transaction) SubmitResult
}

const txnKeyPrefix = "offline/txn/"

// maxAttempts bounds submission retries; past it a record is marked
// FAILED and left for the retention sweep and operator review.
const maxAttempts = 10

// Queue is the store-and-forward queue. A single background drain
// loop submits pending records; enqueue may happen concurrently from
// transaction flows.
type Queue struct {
	kv        *store.Store
	submitter Submitter
	log       *zap.Logger
	now       func() time.Time
	retention time.Duration

	drainMu sync.Mutex
}

// NewQueue wraps the encrypted store and submitter.
func NewQueue(kv *store.Store, submitter Submitter, retention time.Duration, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		kv:        kv,
		submitter: submitter,
		log:       log,
		now:       time.Now,
		retention: retention,
	}
}

// NewID returns a fresh random record id.
func NewID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Enqueue persists a new pending record atomically.
func (q *Queue) Enqueue(txn Transaction) error {
	if txn.ID == "" {
		txn.ID = NewID()
	}
	txn.Status = Pending
	if txn.Timestamp.IsZero() {
		txn.Timestamp = q.now()
	}
	if err := q.put(txn); err != nil {
		return err
	}
	q.log.Info("offline transaction queued",
		zap.String("id", txn.ID), zap.Uint64("amount", txn.Amount))
	return nil
}

func (q *Queue) put(txn Transaction) error {
	raw, err := cbor.Marshal(txn)
	if err != nil {
		return fmt.Errorf("offline: encode record: %w", err)
	}
	return q.kv.Put(txnKeyPrefix+txn.ID, raw)
}

// Records returns every stored record, oldest first.
func (q *Queue) Records() ([]Transaction, error) {
	entries, err := q.kv.Entries(txnKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(entries))
	for key, raw := range entries {
		var txn Transaction
		if err := cbor.Unmarshal(raw, &txn); err != nil {
			return nil, fmt.Errorf("offline: decode record %q: %w", key, err)
		}
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Drain submits every pending record once and purges settled records
// older than the retention window. Drains are serialized so at most
// one submitter pass runs at a time.
func (q *Queue) Drain(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	records, err := q.Records()
	if err != nil {
		return err
	}
	for _, txn := range records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		switch txn.Status {
		case Pending:
			q.submitOne(ctx, txn)
		case Submitted, Declined, Failed:
			if q.retention > 0 && q.now().Sub(txn.Timestamp) > q.retention {
				q.kv.Delete(txnKeyPrefix + txn.ID)
				q.log.Debug("purged settled record", zap.String("id", txn.ID))
			}
		}
	}
	return nil
}

func (q *Queue) submitOne(ctx context.Context, txn Transaction) {
	txn.Attempts++
	txn.LastAttempt = q.now()
	res := q.submitter.Submit(ctx, txn)
	switch res.Kind {
	case SubmitApproved:
		txn.Status = Submitted
		txn.SubmittedAt = q.now()
		q.log.Info("offline transaction submitted",
			zap.String("id", txn.ID), zap.String("auth", res.AuthCode))
	case SubmitDeclined:
		// Declined but delivered: the acquirer has the record and the
		// terminal may still surface it.
		txn.Status = Declined
		txn.SubmittedAt = q.now()
		q.log.Warn("offline transaction declined",
			zap.String("id", txn.ID), zap.String("reason", res.Reason))
	default:
		// Transport trouble: stays pending for the next drain until the
		// attempt bound runs out.
		if txn.Attempts >= maxAttempts {
			txn.Status = Failed
		}
		q.log.Warn("offline submission failed",
			zap.String("id", txn.ID), zap.String("reason", res.Reason),
			zap.Int("attempts", txn.Attempts))
	}
	if err := q.put(txn); err != nil {
		q.log.Error("persisting record failed", zap.String("id", txn.ID), zap.Error(err))
	}
}

// Flush drains immediately.
func (q *Queue) Flush(ctx context.Context) error {
	return q.Drain(ctx)
}

// Run drains on a periodic tick until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := q.Drain(ctx); err != nil && ctx.Err() == nil {
			q.log.Error("drain failed", zap.Error(err))
		}
	}
}
