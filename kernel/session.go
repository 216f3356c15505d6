package kernel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tapforge/softpos/apdu"
	"github.com/tapforge/softpos/cvm"
	"github.com/tapforge/softpos/dol"
	"github.com/tapforge/softpos/emvcrypto"
	"github.com/tapforge/softpos/nhex"
	"github.com/tapforge/softpos/offline"
	"github.com/tapforge/softpos/pace"
	"github.com/tapforge/softpos/secmem"
	"github.com/tapforge/softpos/tlv"
)

// Collaborators are the injected boundaries a kernel runs against.
type Collaborators struct {
	Transceiver apdu.Transceiver
	Crypto      emvcrypto.Provider
	Keys        emvcrypto.KeyStore
	Cdcvm       cvm.Verifier
	Gate        *offline.Gate
	Log         *zap.Logger
}

// Params are the per-transaction inputs.
type Params struct {
	Amount      uint64 // minor units
	AmountOther uint64
	Type        byte // tag 9C
	Date        time.Time
	// SequenceCounter feeds tag 9F41.
	SequenceCounter uint32
	// Unpredictable pins the UN; nil draws four random bytes.
	Unpredictable []byte
	// NetworkAvailable false routes the request-kind decision through
	// the offline gate.
	NetworkAvailable bool
}

// session is the mutable state of one transaction attempt.
type session struct {
	prof   profile
	cfg    Config
	col    Collaborators
	ex     apdu.Exchanger
	log    *zap.Logger
	params Params

	aid   []byte
	term  *dol.DataStore
	card  *dol.DataStore
	clock *pace.PhaseClock
	scope *secmem.Scope

	tvr        [5]byte
	tsi        [2]byte
	cvmResults [3]byte

	aip          [2]byte
	afl          []AFLEntry
	odaInput     []byte
	msd          bool
	cdaRequested bool
	caKey        *emvcrypto.CAPublicKey
	requestKind  apdu.CryptogramKind

	pan     *secmem.Buffer
	track2  Track2
	panHash string

	outcome Outcome
}

func newSession(prof profile, cfg Config, col Collaborators, aid []byte, p Params) *session {
	return &session{
		prof:        prof,
		cfg:         cfg,
		col:         col,
		ex:          apdu.Exchanger{T: col.Transceiver},
		log:         col.Log.With(zap.String("scheme", prof.scheme.String())),
		params:      p,
		aid:         aid,
		term:        dol.NewDataStore(),
		card:        dol.NewDataStore(),
		clock:       pace.NewPhaseClock(),
		scope:       secmem.NewScope(),
		requestKind: apdu.ARQC,
	}
}

// seedTerminal fills the terminal data store from configuration and
// transaction parameters; it happens once, before any APDU.
func (s *session) seedTerminal() error {
	p, cfg := s.params, s.cfg
	put := func(id uint32, v []byte) { s.term.Put(id, v) }
	putN := func(id uint32, digits string, width int) error {
		v, err := nhex.EncodeN(digits, width)
		if err != nil {
			return fmt.Errorf("kernel: seed %X: %w", id, err)
		}
		put(id, v)
		return nil
	}

	put(0x9F02, nhex.Amount(p.Amount))
	put(0x9F03, nhex.Amount(p.AmountOther))
	if err := putN(0x9F1A, cfg.CountryCode, 2); err != nil {
		return err
	}
	if err := putN(0x5F2A, cfg.CurrencyCode, 2); err != nil {
		return err
	}
	put(0x9A, nhex.Date(p.Date.Year(), int(p.Date.Month()), p.Date.Day()))
	if err := putN(0x9F21, p.Date.Format("150405"), 3); err != nil {
		return err
	}
	put(0x9C, []byte{p.Type})
	un := p.Unpredictable
	if un == nil {
		var err error
		un, err = s.col.Crypto.Random(4)
		if err != nil {
			return fmt.Errorf("kernel: unpredictable number: %w", err)
		}
	}
	put(0x9F37, un)
	put(0x9F66, cfg.TTQ[:])
	put(0x95, make([]byte, 5))
	put(0x9F33, cfg.TerminalCapabilities[:])
	put(0x9F40, cfg.AdditionalCapabilities[:])
	put(0x9F35, []byte{cfg.TerminalType})
	put(0x9F1E, []byte(cfg.IFDSerial))
	put(0x9F1C, []byte(cfg.TerminalID))
	put(0x9F16, []byte(cfg.MerchantID))
	put(0x9F4E, []byte(cfg.MerchantNameLocation))
	if err := putN(0x9F15, cfg.MerchantCategoryCode, 2); err != nil {
		return err
	}
	if cfg.AcquirerID != "" {
		if err := putN(0x9F01, cfg.AcquirerID, 6); err != nil {
			return err
		}
	}
	put(0x9F09, cfg.AppVersion[:])
	if err := putN(0x9F41, fmt.Sprintf("%08d", p.SequenceCounter), 4); err != nil {
		return err
	}
	put(0x9F53, []byte(cfg.TransactionCategoryCode))
	put(0x9F06, s.aid)
	floor := make([]byte, 4)
	floor[0] = byte(cfg.FloorLimit >> 24)
	floor[1] = byte(cfg.FloorLimit >> 16)
	floor[2] = byte(cfg.FloorLimit >> 8)
	floor[3] = byte(cfg.FloorLimit)
	put(0x9F1B, floor)

	if s.prof.kernelDB {
		put(0xDF8123, nhex.Amount(cfg.FloorLimit))
		put(0xDF8124, nhex.Amount(cfg.ContactlessLimit))
		put(0xDF8125, nhex.Amount(cfg.ContactlessLimit))
		put(0xDF8126, nhex.Amount(cfg.CVMRequiredLimit))
	}
	return nil
}

// transceive wraps one exchange with its per-command deadline.
func (s *session) transceive(ctx context.Context, cmd apdu.Command) (apdu.Response, error) {
	cctx, cancel := context.WithTimeout(ctx, pace.Deadline(cmd.Ins))
	defer cancel()
	resp, err := s.ex.Exchange(cctx, cmd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apdu.WrapTransport(apdu.ErrTimeout, err)
		}
		return apdu.Response{}, err
	}
	s.log.Debug("exchanged",
		zap.Uint8("ins", cmd.Ins),
		zap.String("sw", apdu.Describe(resp.SW())))
	return resp, nil
}

// done finalizes the outcome.
func (s *session) done(kind Kind, reason string, err error) state {
	s.outcome.Kind = kind
	s.outcome.Reason = reason
	s.outcome.Err = err
	if kind != KindOnlineRequest && kind != KindApproved {
		s.log.Info("transaction ended",
			zap.String("outcome", kind.String()), zap.String("reason", reason))
	}
	return stateDone
}

// failTransport maps a transport failure to its terminal outcome: a
// pulled card invites a re-tap, everything else ends the attempt.
func (s *session) failTransport(err error) state {
	if errors.Is(err, apdu.ErrCardLost) {
		return s.done(KindTryAgain, "card removed", err)
	}
	return s.done(KindEndApplication, "transport failure", err)
}

// holdPAN stores the PAN in scoped secure memory and derives the hash
// the offline gate tracks.
func (s *session) holdPAN(pan string) {
	if pan == "" || s.pan != nil {
		return
	}
	s.pan = s.scope.Hold([]byte(pan))
	s.panHash = hex.EncodeToString(s.col.Crypto.Hash(emvcrypto.SHA256, []byte(pan)))
}

func (s *session) panDigits() string {
	if s.pan == nil {
		return ""
	}
	return string(s.pan.Bytes())
}

// copyLeaves walks TLV data recursively and copies every primitive
// leaf into the card data map.
func (s *session) copyLeaves(data []byte) error {
	objs, err := tlv.ParseAll(data)
	if err != nil {
		return err
	}
	for _, obj := range objs {
		if obj.Constructed() {
			if err := s.copyLeaves(obj.Value); err != nil {
				return err
			}
			continue
		}
		s.card.Put(obj.Tag.ID, obj.Value)
	}
	return nil
}

// cvmLimit is the no-verification threshold: the Mastercard kernel
// reads it from its reader database tag, the others from terminal
// configuration.
func (s *session) cvmLimit() uint64 {
	if s.prof.kernelDB {
		if v, ok := s.term.Get(0xDF8126); ok {
			if amt, err := nhex.AmountValue(v); err == nil {
				return amt
			}
		}
	}
	return s.cfg.CVMRequiredLimit
}

// iccOrderRich and iccOrderBase order the acquirer ICC string: the rich form carries the
// full terminal context, the base form the EMV minimum.
var (
	iccOrderRich = []uint32{
		0x9F26, 0x9F27, 0x9F10, 0x9F37, 0x9F36, 0x95, 0x9A, 0x9C, 0x9F02,
		0x5F2A, 0x82, 0x9F1A, 0x9F34, 0x9F33, 0x9F35, 0x9F1E, 0x9F53, 0x84,
		0x9F09, 0x9F41, 0x9F03, 0x5F34,
	}
	iccOrderBase = []uint32{
		0x9F26, 0x9F27, 0x9F10, 0x9F37, 0x9F36, 0x95, 0x9A, 0x9C, 0x9F02,
		0x5F2A, 0x82, 0x9F1A, 0x9F34, 0x9F33, 0x9F35, 0x84, 0x9F03, 0x5F34,
	}
)

// buildICCData emits the ordered TLV string, card data first, terminal
// data as fallback; absent tags are skipped.
func (s *session) buildICCData() []byte {
	order := iccOrderBase
	if s.prof.richICC {
		order = iccOrderRich
	}
	var out []byte
	for _, id := range order {
		v, ok := s.card.Get(id)
		if !ok {
			v, ok = s.term.Get(id)
		}
		if !ok {
			continue
		}
		out = append(out, tlv.New(id, v).Encode()...)
	}
	return out
}
