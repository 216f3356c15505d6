package kernel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tapforge/softpos/apdu"
	"github.com/tapforge/softpos/cvm"
	"github.com/tapforge/softpos/dol"
	"github.com/tapforge/softpos/nhex"
	"github.com/tapforge/softpos/secmem"
	"github.com/tapforge/softpos/tlv"
)

// AIP byte 1 capability bits.
const (
	aipSDA          = 0x40
	aipDDA          = 0x20
	aipCardholderVf = 0x10
	aipRiskMgmt     = 0x08
	aipCDA          = 0x01
	aipOnDeviceCVM  = 0x02
)

// oda runs offline data authentication. Preference when several
// methods are offered: CDA, then DDA, then SDA. Failures set TVR bits
// and the transaction continues; authentication never declines on its
// own.
func (s *session) oda() state {
	if s.msd {
		return stateRestrictions
	}
	if s.aip[0]&(aipSDA|aipDDA|aipCDA) == 0 {
		set(&s.tvr, tvrODANotPerformed)
		return stateRestrictions
	}
	if s.col.Keys == nil {
		set(&s.tvr, tvrODANotPerformed)
		return stateRestrictions
	}
	caIndex, ok := s.card.Get(0x8F)
	if !ok || len(caIndex) != 1 {
		set(&s.tvr, tvrODANotPerformed)
		set(&s.tvr, tvrICCDataMissing)
		return stateRestrictions
	}
	caKey, ok := s.col.Keys.Get(s.aid[:5], caIndex[0])
	if !ok {
		s.log.Debug("no CA key", zap.Uint8("index", caIndex[0]))
		set(&s.tvr, tvrODANotPerformed)
		set(&s.tvr, tvrICCDataMissing)
		return stateRestrictions
	}

	issuerCert, _ := s.card.Get(0x90)
	issuerRem, _ := s.card.Get(0x92)
	issuerExp, _ := s.card.Get(0x9F32)

	switch {
	case s.aip[0]&aipCDA != 0:
		// CDA is verified together with the GENERATE AC response.
		s.cdaRequested = true
		s.caKey = &caKey
	case s.aip[0]&aipDDA != 0:
		// Contactless dynamic authentication verifies the signed data
		// the card returned with GPO over the unpredictable number.
		sdad, ok := s.card.Get(0x9F4B)
		if !ok {
			set(&s.tvr, tvrODANotPerformed)
			set(&s.tvr, tvrICCDataMissing)
			return stateRestrictions
		}
		iccCert, _ := s.card.Get(0x9F46)
		iccRem, _ := s.card.Get(0x9F48)
		iccExp, _ := s.card.Get(0x9F47)
		un, _ := s.term.Get(0x9F37)
		dynamic := un
		if raw, ok := s.card.Get(0x9F49); ok {
			if entries, err := dol.Parse(raw); err == nil {
				dynamic = dol.Build(entries, s.term)
			}
		}
		if err := s.col.Crypto.VerifyDDA(caKey, issuerCert, issuerRem, issuerExp,
			iccCert, iccRem, iccExp, sdad, dynamic); err != nil {
			s.log.Warn("dynamic authentication failed", zap.Error(err))
			set(&s.tvr, tvrDDAFailed)
		} else {
			setTSI(&s.tsi, tsiODAPerformed)
		}
	default: // SDA
		ssad, ok := s.card.Get(0x93)
		if !ok {
			set(&s.tvr, tvrODANotPerformed)
			set(&s.tvr, tvrICCDataMissing)
			return stateRestrictions
		}
		if err := s.col.Crypto.VerifySDA(caKey, issuerCert, issuerRem, issuerExp,
			ssad, s.odaInput); err != nil {
			s.log.Warn("static authentication failed", zap.Error(err))
			set(&s.tvr, tvrSDAFailed)
		} else {
			setTSI(&s.tsi, tsiODAPerformed)
		}
	}
	return stateRestrictions
}

// bcdDate interprets 2-byte YYMM or 3-byte YYMMDD values; an absent
// day is returned as 0. The expiry check compares year and month only.
func bcdDate(v []byte) (year, month, day int, ok bool) {
	s, err := nhex.DecodeN(v)
	if err != nil || len(s) < 4 {
		return 0, 0, 0, false
	}
	year = 2000 + int(s[0]-'0')*10 + int(s[1]-'0')
	month = int(s[2]-'0')*10 + int(s[3]-'0')
	if month < 1 || month > 12 {
		return 0, 0, 0, false
	}
	day = 0
	if len(s) >= 6 {
		day = int(s[4]-'0')*10 + int(s[5]-'0')
	}
	return year, month, day, true
}

// restrictions checks expiry, effective date and version agreement.
// An expired card declines; the rest only marks the TVR.
func (s *session) restrictions() state {
	if v, ok := s.card.Get(0x9F08); ok && len(v) == 2 {
		if v[0] != s.cfg.AppVersion[0] || v[1] != s.cfg.AppVersion[1] {
			set(&s.tvr, tvrVersionMismatch)
		}
	}

	now := s.params.Date
	expiry, hasExpiry := s.card.Get(0x5F24)
	if s.msd && !hasExpiry {
		// Track 2 carries YYMM on the magstripe path.
		if t2, ok := s.card.Get(0x57); ok {
			if track, err := parseTrack2(t2); err == nil && track.ExpiryYYMM != "" {
				if v, err := nhex.EncodeN(track.ExpiryYYMM, 2); err == nil {
					expiry, hasExpiry = v, true
				}
			}
		}
	}
	if hasExpiry {
		if y, m, _, ok := bcdDate(expiry); ok {
			if y < now.Year() || (y == now.Year() && m < int(now.Month())) {
				set(&s.tvr, tvrExpired)
				return s.done(KindDeclined, "Card expired", nil)
			}
		}
	}
	if effective, ok := s.card.Get(0x5F25); ok {
		if y, m, d, ok := bcdDate(effective); ok {
			if d == 0 {
				d = 1
			}
			after := y > now.Year() ||
				(y == now.Year() && m > int(now.Month())) ||
				(y == now.Year() && m == int(now.Month()) && d > now.Day())
			if after {
				set(&s.tvr, tvrNotYetEffective)
			}
		}
	}
	return stateCVM
}

// cvmStep picks the cardholder verification: the scheme fast path off
// the CTQ first, then the no-CVM limit, then the generic list walk.
func (s *session) cvmStep() state {
	limit := s.cvmLimit()

	if s.prof.ctqFastPath {
		if ctq, ok := s.card.Get(0x9F6C); ok && len(ctq) == 2 {
			if ctq[1]&0x80 != 0 && s.params.Amount > limit {
				// The consumer device already verified its holder.
				s.cvmResults = cvm.CdcvmResults()
				setTSI(&s.tsi, tsiCVMPerformed)
				return stateRisk
			}
		}
	}
	if s.params.Amount <= limit {
		s.cvmResults = cvm.NoCvmResults()
		return stateRisk
	}
	if s.aip[0]&aipCardholderVf == 0 && !s.msd {
		s.cvmResults = cvm.NoCvmResults()
		return stateRisk
	}

	env := cvm.Env{
		Amount:          s.params.Amount,
		AmountOther:     s.params.AmountOther,
		InAppCurrency:   s.inAppCurrency(),
		IsCash:          s.params.Type == 0x01,
		IsCashback:      s.params.Type == 0x09,
		OnlinePIN:       s.cfg.OnlinePINSupported,
		AllowSignature:  s.cfg.AllowSignature,
		AllowNoCVM:      s.cfg.AllowNoCVM,
		NoCVMLimit:      limit,
		AllowDeviceCred: s.cfg.AllowDeviceCred,
		Cdcvm:           s.col.Cdcvm,
	}

	raw, ok := s.card.Get(0x8E)
	if !ok {
		if env.AllowNoCVM {
			s.cvmResults = cvm.NoCvmResults()
			return stateRisk
		}
		set(&s.tvr, tvrCVMFailed)
		return s.done(KindDeclined, "cardholder verification required but unavailable", nil)
	}
	list, err := cvm.ParseList(raw)
	if err != nil {
		set(&s.tvr, tvrUnrecognisedCVM)
		return s.done(KindEndApplication, "malformed CVM list", err)
	}
	decision := cvm.Evaluate(list, env)
	s.cvmResults = decision.Results
	setTSI(&s.tsi, tsiCVMPerformed)
	switch decision.Kind {
	case cvm.Failed:
		set(&s.tvr, tvrCVMFailed)
		return s.done(KindDeclined,
			fmt.Sprintf("cardholder verification failed: %s", decision.Reason), nil)
	case cvm.Success:
		if decision.Method == cvm.MethodOnlinePIN {
			set(&s.tvr, tvrOnlinePINEntered)
		}
	}
	return stateRisk
}

// inAppCurrency compares the transaction currency with the card's
// application currency when the card states one.
func (s *session) inAppCurrency() bool {
	appCur, ok := s.card.Get(0x9F42)
	if !ok {
		return true
	}
	termCur, _ := s.term.Get(0x5F2A)
	return len(appCur) == len(termCur) && string(appCur) == string(termCur)
}

// risk runs terminal risk management and settles which cryptogram to
// request. Policy is always-online; only with the network down and
// the gate's consent does the kernel ask for a TC.
func (s *session) risk() state {
	s.capturePAN()

	if s.params.Amount > s.cfg.FloorLimit {
		set(&s.tvr, tvrFloorLimitExceeded)
	}
	s.requestKind = apdu.ARQC
	if !s.params.NetworkAvailable && s.col.Gate != nil && s.panHash != "" {
		d := s.col.Gate.ShouldForceOnline(s.panHash, s.params.Amount)
		if d.AllowOffline {
			s.requestKind = apdu.TC
		} else {
			if d.Reasons.RandomSelection {
				set(&s.tvr, tvrRandomSelection)
			}
			if d.Reasons.CumulativeLimitExceeded || d.Reasons.ConsecutiveLimitExceeded {
				set(&s.tvr, tvrVelocityExceeded)
			}
			if d.Reasons.FirstSeen {
				set(&s.tvr, tvrNewCard)
			}
		}
	}
	setTSI(&s.tsi, tsiRiskPerformed)

	if s.msd {
		return s.msdOutcome()
	}
	return stateGenAC
}

// capturePAN pulls the PAN into scoped secure memory from tag 5A or
// the track 2 equivalent.
func (s *session) capturePAN() {
	if v, ok := s.card.Get(0x5A); ok {
		if pan, err := nhex.DecodeCN(v); err == nil {
			s.holdPAN(pan)
		}
	}
	if t2, ok := s.card.Get(0x57); ok {
		if track, err := parseTrack2(t2); err == nil {
			s.track2 = track
			s.holdPAN(track.PAN)
		}
	}
}

// defaultCDOL1 is materialized when the card supplied no CDOL1. A
// conforming card always has one; the fallback mirrors what issuers
// expect to see.
var defaultCDOL1 = []dol.Entry{
	{Tag: 0x9F02, Length: 6}, {Tag: 0x9F03, Length: 6}, {Tag: 0x9F1A, Length: 2},
	{Tag: 0x95, Length: 5}, {Tag: 0x5F2A, Length: 2}, {Tag: 0x9A, Length: 3},
	{Tag: 0x9C, Length: 1}, {Tag: 0x9F37, Length: 4}, {Tag: 0x9F35, Length: 1},
	{Tag: 0x9F34, Length: 3},
}

// genAC requests the cryptogram and maps the card's answer onto the
// terminal outcome.
func (s *session) genAC(ctx context.Context) state {
	entries := defaultCDOL1
	if raw, ok := s.card.Get(0x8C); ok {
		var err error
		entries, err = dol.Parse(raw)
		if err != nil {
			return s.done(KindEndApplication, "malformed CDOL1", err)
		}
	} else {
		s.log.Warn("card supplied no CDOL1, using default")
	}

	s.term.Put(0x95, s.tvr[:])
	s.term.Put(0x9B, s.tsi[:])
	s.term.Put(0x9F34, s.cvmResults[:])

	cda := s.cdaRequested
	resp, err := s.transceive(ctx, apdu.GenerateAC(s.requestKind, cda, dol.Build(entries, s.term)))
	if err != nil {
		return s.failTransport(err)
	}
	if !resp.OK() {
		return s.done(KindEndApplication,
			fmt.Sprintf("GENERATE AC failed: %s", apdu.Describe(resp.SW())), resp.Err())
	}

	if v := tlv.Find(resp.Data, 0x80); v != nil {
		if len(v) < 11 {
			return s.done(KindEndApplication, "GENERATE AC format 1 too short", nil)
		}
		s.card.Put(0x9F27, v[:1])
		s.card.Put(0x9F36, v[1:3])
		s.card.Put(0x9F26, v[3:11])
		if len(v) > 11 {
			s.card.Put(0x9F10, v[11:])
		}
	} else if v := tlv.Find(resp.Data, 0x77); v != nil {
		if err := s.copyLeaves(v); err != nil {
			return s.done(KindEndApplication, "malformed GENERATE AC response", err)
		}
	} else {
		return s.done(KindEndApplication, "unknown GENERATE AC response format", nil)
	}

	cid, ok := s.card.Get(0x9F27)
	if !ok || len(cid) != 1 {
		return s.done(KindEndApplication, "GENERATE AC response missing CID", nil)
	}
	cryptogram, _ := s.card.Get(0x9F26)
	s.scope.Hold(cryptogram)

	if s.cdaRequested {
		s.verifyCDA()
	}

	switch cid[0] & 0xC0 {
	case 0x00: // AAC
		s.outcome.AAC = cryptogram
		return s.done(KindDeclined, "card declined", nil)
	case 0x40: // TC
		atc, _ := s.card.Get(0x9F36)
		s.outcome.Approved = &ApprovedRecord{
			TC:        cryptogram,
			ATC:       atc,
			ICCData:   s.buildICCData(),
			PANHash:   s.panHash,
			MaskedPAN: secmem.MaskPAN(s.panDigits()),
		}
		return s.done(KindApproved, "", nil)
	case 0x80: // ARQC
		s.outcome.Online = s.onlineRequest(cryptogram)
		return s.done(KindOnlineRequest, "", nil)
	default: // AAR
		return s.done(KindDeclined, "referral not supported", nil)
	}
}

// verifyCDA checks the combined signature when the card returned one.
func (s *session) verifyCDA() {
	sdad, ok := s.card.Get(0x9F4B)
	if !ok || s.caKey == nil {
		set(&s.tvr, tvrODANotPerformed)
		return
	}
	issuerCert, _ := s.card.Get(0x90)
	issuerRem, _ := s.card.Get(0x92)
	issuerExp, _ := s.card.Get(0x9F32)
	iccCert, _ := s.card.Get(0x9F46)
	iccRem, _ := s.card.Get(0x9F48)
	iccExp, _ := s.card.Get(0x9F47)
	un, _ := s.term.Get(0x9F37)
	if err := s.col.Crypto.VerifyCDA(*s.caKey, issuerCert, issuerRem, issuerExp,
		iccCert, iccRem, iccExp, sdad, un); err != nil {
		s.log.Warn("combined authentication failed", zap.Error(err))
		set(&s.tvr, tvrCDAFailed)
		return
	}
	setTSI(&s.tsi, tsiODAPerformed)
}

// onlineRequest assembles the authorization request.
func (s *session) onlineRequest(cryptogram []byte) *OnlineRequest {
	atc, _ := s.card.Get(0x9F36)
	iad, _ := s.card.Get(0x9F10)
	req := &OnlineRequest{
		MaskedPAN:  secmem.MaskPAN(s.panDigits()),
		PANHash:    s.panHash,
		ICCData:    s.buildICCData(),
		Cryptogram: cryptogram,
		ATC:        atc,
		IAD:        iad,
		ExpiryYYMM: s.track2.ExpiryYYMM,
	}
	if s.track2.Raw != "" {
		req.Track2 = secmem.MaskTrack2(s.track2.Raw)
	}
	return req
}

// msdOutcome closes the magstripe path: no cryptogram, the track data
// fields are echoed for the host to authorize.
func (s *session) msdOutcome() state {
	if s.track2.Raw == "" {
		return s.done(KindEndApplication, "magstripe mode without track 2 data", nil)
	}
	s.outcome.Online = &OnlineRequest{
		MaskedPAN:  secmem.MaskPAN(s.panDigits()),
		PANHash:    s.panHash,
		Track2:     secmem.MaskTrack2(s.track2.Raw),
		ExpiryYYMM: s.track2.ExpiryYYMM,
	}
	return s.done(KindOnlineRequest, "", nil)
}
