// Package kernel drives contactless EMV transactions: five scheme
// kernels over one shared state sequence, from application selection
// to the authorization-ready outcome.
package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tapforge/softpos/apdu"
	"github.com/tapforge/softpos/dol"
	"github.com/tapforge/softpos/tlv"
)

// state is one step of the shared transaction sequence.
type state int

const (
	stateSelectApp state = iota
	stateGPO
	stateReadAFL
	stateODA
	stateRestrictions
	stateCVM
	stateRisk
	stateGenAC
	stateDone
)

var stateNames = map[state]string{
	stateSelectApp:    "select",
	stateGPO:          "gpo",
	stateReadAFL:      "read_afl",
	stateODA:          "oda",
	stateRestrictions: "restrictions",
	stateCVM:          "cvm",
	stateRisk:         "risk",
	stateGenAC:        "gen_ac",
}

// Kernel is one configured scheme kernel. It is stateless across
// transactions; Process spins up fresh session state per tap.
type Kernel struct {
	prof profile
	cfg  Config
	col  Collaborators
}

// New validates the configuration and builds a kernel for the scheme.
func New(scheme Scheme, cfg Config, col Collaborators) (*Kernel, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	if col.Transceiver == nil {
		return nil, errors.New("kernel: transceiver required")
	}
	if col.Crypto == nil {
		return nil, errors.New("kernel: crypto provider required")
	}
	if col.Log == nil {
		col.Log = zap.NewNop()
	}
	return &Kernel{prof: profileFor(scheme), cfg: cfg, col: col}, nil
}

// Scheme returns the kernel's scheme.
func (k *Kernel) Scheme() Scheme { return k.prof.scheme }

// Process runs one transaction against the tapped card. The returned
// outcome is the only artifact; sensitive buffers are wiped before
// returning on every path.
func (k *Kernel) Process(ctx context.Context, aid []byte, p Params) Outcome {
	s := newSession(k.prof, k.cfg, k.col, aid, p)
	defer s.scope.Close()

	s.outcome.AID = aid
	if p.Amount > k.cfg.ContactlessLimit {
		s.done(KindTryAnotherInterface, "amount above contactless limit", nil)
		return s.finish()
	}
	if err := s.seedTerminal(); err != nil {
		s.done(KindEndApplication, "configuration incomplete", err)
		return s.finish()
	}

	for st := stateSelectApp; st != stateDone; {
		if err := ctx.Err(); err != nil {
			s.done(KindEndApplication, "cancelled", err)
			break
		}
		if s.clock.Exceeded() {
			s.done(KindEndApplication, "transaction ceiling exceeded", nil)
			break
		}
		s.clock.Enter(stateNames[st])
		switch st {
		case stateSelectApp:
			st = s.selectApp(ctx)
		case stateGPO:
			st = s.gpo(ctx)
		case stateReadAFL:
			st = s.readAFL(ctx)
		case stateODA:
			st = s.oda()
		case stateRestrictions:
			st = s.restrictions()
		case stateCVM:
			st = s.cvmStep()
		case stateRisk:
			st = s.risk()
		case stateGenAC:
			st = s.genAC(ctx)
		}
	}
	return s.finish()
}

// finish copies the diagnostic state onto the outcome.
func (s *session) finish() Outcome {
	s.outcome.TVR = s.tvr
	s.outcome.TSI = s.tsi
	s.outcome.CVMResults = s.cvmResults
	s.outcome.AIP = s.aip
	s.outcome.Phases = s.clock.Stop()
	return s.outcome
}

// selectApp issues SELECT by DF name and harvests the FCI.
func (s *session) selectApp(ctx context.Context) state {
	resp, err := s.transceive(ctx, apdu.SelectByName(s.aid))
	if err != nil {
		return s.failTransport(err)
	}
	if !resp.OK() {
		return s.done(KindEndApplication,
			fmt.Sprintf("select failed: %s", apdu.Describe(resp.SW())), resp.Err())
	}
	fci, _, err := tlv.Parse(resp.Data)
	if err != nil || fci.Tag.ID != 0x6F {
		return s.done(KindEndApplication, "malformed FCI", err)
	}
	if err := s.copyLeaves(resp.Data); err != nil {
		return s.done(KindEndApplication, "malformed FCI", err)
	}
	if dfName, ok := s.card.Get(0x84); ok && !bytes.Equal(dfName, s.aid) {
		s.outcome.AID = dfName
	}
	if s.prof.pdolRequired && !s.card.Has(0x9F38) {
		return s.done(KindEndApplication, "card supplied no PDOL", nil)
	}
	label, _ := s.card.Get(0x50)
	preferred, _ := s.card.Get(0x9F12)
	var tableIdx byte
	if v, ok := s.card.Get(0x9F11); ok && len(v) == 1 {
		tableIdx = v[0]
	}
	s.outcome.Label = displayName(label, preferred, tableIdx)
	if s.outcome.Label != "" {
		s.log.Debug("application selected", zap.String("label", s.outcome.Label))
	}
	return stateGPO
}

// gpo materializes the PDOL, sends GET PROCESSING OPTIONS and splits
// the two response shapes.
func (s *session) gpo(ctx context.Context) state {
	var entries []dol.Entry
	if raw, ok := s.card.Get(0x9F38); ok {
		var err error
		entries, err = dol.Parse(raw)
		if err != nil {
			return s.done(KindEndApplication, "malformed PDOL", err)
		}
	}
	if s.prof.ttqMandatory && !s.term.Has(0x9F66) {
		return s.done(KindEndApplication, "configuration incomplete: missing TTQ", nil)
	}
	if missing := dol.CanSatisfy(entries, s.term); missing != nil {
		return s.done(KindEndApplication,
			fmt.Sprintf("configuration incomplete: missing %X", missing), nil)
	}
	data := dol.Build(entries, s.term)
	resp, err := s.transceive(ctx, apdu.GPO(dol.WrapCommandTemplate(data)))
	if err != nil {
		return s.failTransport(err)
	}
	switch {
	case resp.SW() == 0x6984, resp.SW() == 0x6985:
		return s.done(KindTryAnotherInterface,
			fmt.Sprintf("card refused processing: %s", apdu.Describe(resp.SW())), resp.Err())
	case !resp.OK():
		return s.done(KindEndApplication,
			fmt.Sprintf("GPO failed: %s", apdu.Describe(resp.SW())), resp.Err())
	}

	var aip, afl []byte
	if v := tlv.Find(resp.Data, 0x80); v != nil {
		if len(v) < 2 {
			return s.done(KindEndApplication, "GPO format 1 shorter than AIP", nil)
		}
		aip, afl = v[:2], v[2:]
	} else if v := tlv.Find(resp.Data, 0x77); v != nil {
		if err := s.copyLeaves(v); err != nil {
			return s.done(KindEndApplication, "malformed GPO response", err)
		}
		aip, _ = s.card.Get(0x82)
		afl, _ = s.card.Get(0x94)
	} else {
		return s.done(KindEndApplication, "unknown GPO response format", nil)
	}
	if len(aip) != 2 {
		return s.done(KindEndApplication, "GPO response missing AIP", nil)
	}
	copy(s.aip[:], aip)
	s.card.Put(0x82, aip)

	if s.prof.msdCapable && s.aip[1]&0x80 == 0 {
		// The card does not offer EMV mode on this interface: run the
		// magstripe-data path off the GPO payload.
		s.msd = true
		s.log.Debug("magstripe mode selected", zap.String("aip", fmt.Sprintf("%X", s.aip[:])))
		return stateRestrictions
	}
	if s.prof.electronicCash && s.aip[1]&0x80 != 0 {
		s.log.Debug("electronic cash variant")
	}

	if len(afl) > 0 {
		var err error
		s.afl, err = parseAFL(afl)
		if err != nil {
			return s.done(KindEndApplication, "malformed AFL", err)
		}
		return stateReadAFL
	}
	// Everything the kernel needs arrived with the GPO fast path.
	return stateODA
}

// readAFL walks the file locator and copies every record's leaves.
// Records inside each entry's ODA prefix feed the authentication hash
// input with their raw bytes, in read order.
func (s *session) readAFL(ctx context.Context) state {
	for _, entry := range s.afl {
		for rec := int(entry.FirstRec); rec <= int(entry.LastRec); rec++ {
			resp, err := s.transceive(ctx, apdu.ReadRecord(entry.SFI, byte(rec)))
			if err != nil {
				return s.failTransport(err)
			}
			if !resp.OK() {
				return s.done(KindEndApplication,
					fmt.Sprintf("READ RECORD %d/%d failed: %s", entry.SFI, rec, apdu.Describe(resp.SW())), resp.Err())
			}
			if err := s.copyLeaves(resp.Data); err != nil {
				return s.done(KindEndApplication, "malformed record", err)
			}
			if rec-int(entry.FirstRec) < int(entry.ODARecords) {
				s.odaInput = append(s.odaInput, resp.Data...)
			}
		}
	}
	return stateODA
}
