package kernel

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapforge/softpos/apdu"
	"github.com/tapforge/softpos/emvcrypto"
	"github.com/tapforge/softpos/tlv"
)

type step struct {
	expect string // hex prefix of the encoded command; "" matches any
	resp   string // hex response including trailer
	err    error  // returned instead of resp when set
}

type scriptTransceiver struct {
	t     *testing.T
	steps []step
}

func (s *scriptTransceiver) Transceive(_ context.Context, cmd apdu.Command) (apdu.Response, error) {
	if len(s.steps) == 0 {
		s.t.Fatalf("unexpected command %+v", cmd)
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	raw, err := cmd.Encode()
	require.NoError(s.t, err)
	if st.expect != "" {
		want, _ := hex.DecodeString(st.expect)
		if !bytes.HasPrefix(raw, want) {
			s.t.Fatalf("command = %x; want prefix %s", raw, st.expect)
		}
	}
	if st.err != nil {
		return apdu.Response{}, st.err
	}
	data, _ := hex.DecodeString(st.resp)
	return apdu.ParseResponse(data)
}

func testConfig() Config {
	return Config{
		CountryCode:          "0840",
		CurrencyCode:         "0840",
		IFDSerial:            "12345678",
		TerminalID:           "TERMID01",
		MerchantID:           "MERCHANT0000001",
		MerchantNameLocation: "TEST SHOP/SEATTLE",
		ContactlessLimit:     100000,
		CVMRequiredLimit:     5000,
		AllowNoCVM:           true,
	}
}

func testParams() Params {
	return Params{
		Amount:           1000,
		Type:             0x00,
		Date:             time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		SequenceCounter:  7,
		Unpredictable:    []byte{0x11, 0x22, 0x33, 0x44},
		NetworkAvailable: true,
	}
}

var visaAID, _ = hex.DecodeString("a0000000031010")

const (
	visaFCI = "6f1d8407a0000000031010a5125004564953419f38099f66049f02069f37049000"
	visaGPO = "770a820220009404080101009000"
	visaRecord = "703d" +
		"5a084111111111111119" +
		"5f340101" +
		"57104111111111111119d260810100001110" +
		"5f2403290831" +
		"8c159f02069f03069f1a0295055f2a029a039c019f3704" +
		"9000"
	visaGenAC = "771e9f2701809f36020001" +
		"9f2608aabbccddeeff0011" +
		"9f100706011203a00000" +
		"9000"
)

func visaSteps() []step {
	return []step{
		{expect: "00a4040007a0000000031010", resp: visaFCI},
		{expect: "80a8000010830e36004000000000001000", resp: visaGPO},
		{expect: "00b2010c", resp: visaRecord},
		{expect: "80ae8000", resp: visaGenAC},
	}
}

func newTestKernel(t *testing.T, scheme Scheme, tr apdu.Transceiver, cfg Config) *Kernel {
	t.Helper()
	k, err := New(scheme, cfg, Collaborators{
		Transceiver: tr,
		Crypto:      emvcrypto.StdProvider{},
	})
	require.NoError(t, err)
	return k
}

func TestVisaOnlineOutcome(t *testing.T) {
	tr := &scriptTransceiver{t: t, steps: visaSteps()}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())

	require.Equal(t, KindOnlineRequest, out.Kind, "reason: %s err: %v", out.Reason, out.Err)
	require.NotNil(t, out.Online)
	assert.Empty(t, tr.steps, "script not fully consumed")

	cryptogram, _ := hex.DecodeString("aabbccddeeff0011")
	assert.Equal(t, cryptogram, out.Online.Cryptogram)
	assert.Equal(t, []byte{0x00, 0x01}, out.Online.ATC)
	assert.Equal(t, "411111******1119", out.Online.MaskedPAN)
	assert.Equal(t, "VISA", out.Label)
	assert.Equal(t, [2]byte{0x20, 0x00}, out.AIP)
	assert.Equal(t, visaAID, out.AID)
	assert.True(t, strings.HasPrefix(out.Online.Track2, "411111******1119D"))
	assert.Equal(t, "2608", out.Online.ExpiryYYMM)
	// No CVM under the limit.
	assert.Equal(t, [3]byte{0x1F, 0x00, 0x00}, out.CVMResults)

	// The ICC string carries exactly the rich tag set, in order.
	objs, err := tlv.ParseAll(out.Online.ICCData)
	require.NoError(t, err)
	var ids []uint32
	for _, obj := range objs {
		ids = append(ids, obj.Tag.ID)
	}
	assert.Equal(t, iccOrderRich, ids)

	// The TVR inside the ICC string matches the outcome diagnostic.
	assert.Equal(t, out.TVR[:], tlv.Find(out.Online.ICCData, 0x95))
	// Phase timings cover the walked states.
	assert.NotEmpty(t, out.Phases)
}

func TestVisaRequiresPDOL(t *testing.T) {
	// FCI without 9F38.
	tr := &scriptTransceiver{t: t, steps: []step{
		{resp: "6f118407a0000000031010a5065004564953419000"},
	}}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	assert.Equal(t, KindEndApplication, out.Kind)
	assert.Contains(t, out.Reason, "PDOL")
}

func TestSelectNotFound(t *testing.T) {
	tr := &scriptTransceiver{t: t, steps: []step{{resp: "6a82"}}}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	assert.Equal(t, KindEndApplication, out.Kind)
}

func TestGPOConditionsNotSatisfied(t *testing.T) {
	steps := visaSteps()[:2]
	steps[1].resp = "6985"
	tr := &scriptTransceiver{t: t, steps: steps}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	assert.Equal(t, KindTryAnotherInterface, out.Kind)
}

func TestGPOMissingAIP(t *testing.T) {
	steps := visaSteps()[:2]
	steps[1].resp = "7706940408010100" + "9000"
	tr := &scriptTransceiver{t: t, steps: steps}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	assert.Equal(t, KindEndApplication, out.Kind)
	assert.Contains(t, out.Reason, "AIP")
}

func TestCardLostMeansTryAgain(t *testing.T) {
	steps := visaSteps()
	steps[2] = step{err: apdu.ErrCardLost}
	tr := &scriptTransceiver{t: t, steps: steps[:3]}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	assert.Equal(t, KindTryAgain, out.Kind)
}

func TestTransportErrorEndsApplication(t *testing.T) {
	tr := &scriptTransceiver{t: t, steps: []step{{err: apdu.ErrTransport}}}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	assert.Equal(t, KindEndApplication, out.Kind)
}

func TestExpiredCardDeclines(t *testing.T) {
	steps := visaSteps()[:3]
	record := "7014" +
		"5a084111111111111119" +
		"5f340101" +
		"5f2403230101" + // expired 2023
		"9000"
	steps[2].resp = record
	tr := &scriptTransceiver{t: t, steps: steps}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	assert.Equal(t, KindDeclined, out.Kind)
	assert.Equal(t, "Card expired", out.Reason)
	assert.NotZero(t, out.TVR[1]&0x40)
}

func TestEffectiveDateInFutureContinues(t *testing.T) {
	steps := visaSteps()
	steps[2].resp = "7043" +
		"5a084111111111111119" +
		"5f340101" +
		"57104111111111111119d260810100001110" +
		"5f2403290831" +
		"5f2503270101" + // effective 2027, in the future
		"8c159f02069f03069f1a0295055f2a029a039c019f3704" +
		"9000"
	steps[2].expect = ""
	tr := &scriptTransceiver{t: t, steps: steps}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	require.Equal(t, KindOnlineRequest, out.Kind, "reason: %s", out.Reason)
	assert.NotZero(t, out.TVR[1]&0x20)
}

func TestCardDeclineAAC(t *testing.T) {
	steps := visaSteps()
	steps[3].resp = "77149f2701009f36020002" + "9f2608de00de00de00de00" + "9000"
	tr := &scriptTransceiver{t: t, steps: steps}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	assert.Equal(t, KindDeclined, out.Kind)
	aac, _ := hex.DecodeString("de00de00de00de00")
	assert.Equal(t, aac, out.AAC)
}

func TestGenACFormat1(t *testing.T) {
	steps := visaSteps()
	// Format 1: CID 80, ATC 0001, cryptogram, IAD.
	steps[3].resp = "8012800001aabbccddeeff001106011203a00000" + "9000"
	tr := &scriptTransceiver{t: t, steps: steps}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	require.Equal(t, KindOnlineRequest, out.Kind, "reason: %s", out.Reason)
	cryptogram, _ := hex.DecodeString("aabbccddeeff0011")
	assert.Equal(t, cryptogram, out.Online.Cryptogram)
	iad, _ := hex.DecodeString("06011203a00000")
	assert.Equal(t, iad, out.Online.IAD)
}

func TestDefaultCDOLWhenAbsent(t *testing.T) {
	steps := visaSteps()
	// Record without CDOL1.
	steps[2].resp = "7020" +
		"5a084111111111111119" +
		"5f340101" +
		"57104111111111111119d260810100001110" +
		"9000"
	// The default CDOL1 materializes 33 bytes: amounts, country, TVR,
	// currency, date, type, UN, terminal type, CVM results.
	steps[3] = step{expect: "80ae800021", resp: visaGenAC}
	tr := &scriptTransceiver{t: t, steps: steps}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	require.Equal(t, KindOnlineRequest, out.Kind, "reason: %s err: %v", out.Reason, out.Err)
}

func TestAmountAboveContactlessLimit(t *testing.T) {
	tr := &scriptTransceiver{t: t}
	k := newTestKernel(t, Visa, tr, testConfig())
	p := testParams()
	p.Amount = 200000
	out := k.Process(context.Background(), visaAID, p)
	assert.Equal(t, KindTryAnotherInterface, out.Kind)
}

func TestCTQFastPathCDCVM(t *testing.T) {
	steps := visaSteps()
	// GPO format 2 additionally carries a CTQ reporting CDCVM done.
	// The PDOL data carries the 6000 amount.
	steps[1].expect = "80a8000010830e36004000000000006000"
	steps[1].resp = "770f820220009404080101009f6c020080" + "9000"
	tr := &scriptTransceiver{t: t, steps: steps}
	p := testParams()
	p.Amount = 6000 // above the CVM limit
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, p)
	require.Equal(t, KindOnlineRequest, out.Kind, "reason: %s", out.Reason)
	assert.Equal(t, [3]byte{0x2F, 0x00, 0x02}, out.CVMResults)
}

func TestMastercardKernelDatabaseLimit(t *testing.T) {
	// No PDOL; CVM limit comes from DF8126. Amount above it walks the
	// CVM list, which offers signature.
	fci := "6f118407a0000000041010a506500442415345" + "9000"
	record := "7033" +
		"5a084111111111111119" +
		"5f340101" +
		"8e0c00000000000000001e031f00" +
		"8c159f02069f03069f1a0295055f2a029a039c019f3704" +
		"9000"
	genac := "771e9f2701809f36020001" + "9f2608aabbccddeeff0011" + "9f100706011203a00000" + "9000"
	mcAID, _ := hex.DecodeString("a0000000041010")
	tr := &scriptTransceiver{t: t, steps: []step{
		{expect: "00a4040007", resp: fci},
		{expect: "80a8000002830000", resp: "770a820210009404080101009000"},
		{expect: "00b2010c", resp: record},
		{expect: "80ae8000", resp: genac},
	}}
	cfg := testConfig()
	cfg.AllowSignature = true
	cfg.AllowNoCVM = false
	k := newTestKernel(t, Mastercard, tr, cfg)
	p := testParams()
	p.Amount = 6000
	out := k.Process(context.Background(), mcAID, p)
	require.Equal(t, KindOnlineRequest, out.Kind, "reason: %s err: %v", out.Reason, out.Err)
	// Signature rule succeeded.
	assert.Equal(t, [3]byte{0x1E, 0x03, 0x02}, out.CVMResults)
}

func TestDiscoverMSDPath(t *testing.T) {
	dpasAID, _ := hex.DecodeString("a0000001523010")
	fci := "6f178407a0000001523010a50c5004445041539f38039f66049000"
	// AIP byte 2 without the EMV-mode bit selects the magstripe path;
	// track 2 arrives with the processing options.
	gpo := "771682020000" + "57104111111111111119d260810100001110" + "9000"
	tr := &scriptTransceiver{t: t, steps: []step{
		{expect: "00a4040007", resp: fci},
		{expect: "80a8000006830436004000", resp: gpo},
	}}
	k := newTestKernel(t, Discover, tr, testConfig())
	out := k.Process(context.Background(), dpasAID, testParams())
	require.Equal(t, KindOnlineRequest, out.Kind, "reason: %s err: %v", out.Reason, out.Err)
	require.NotNil(t, out.Online)
	assert.Nil(t, out.Online.Cryptogram)
	assert.Equal(t, "411111******1119", out.Online.MaskedPAN)
	assert.True(t, strings.HasPrefix(out.Online.Track2, "411111******1119D"))
	assert.Empty(t, tr.steps, "MSD path must not read records")
}

func TestUnknownGPOFormat(t *testing.T) {
	steps := visaSteps()[:2]
	steps[1].resp = "000102" + "9000"
	tr := &scriptTransceiver{t: t, steps: steps}
	k := newTestKernel(t, Visa, tr, testConfig())
	out := k.Process(context.Background(), visaAID, testParams())
	assert.Equal(t, KindEndApplication, out.Kind)
}

func TestConfigValid(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Valid())
	assert.Equal(t, defaultTTQ, cfg.TTQ)
	assert.Equal(t, defaultAppVersion, cfg.AppVersion)
	assert.Equal(t, byte(0x22), cfg.TerminalType)

	bad := testConfig()
	bad.CountryCode = "84"
	assert.Error(t, bad.Valid())

	bad = testConfig()
	bad.IFDSerial = ""
	assert.Error(t, bad.Valid())

	bad = testConfig()
	bad.CVMRequiredLimit = bad.ContactlessLimit + 1
	assert.Error(t, bad.Valid())
}

func TestParseAFL(t *testing.T) {
	afl, _ := hex.DecodeString("0801010010010300")
	entries, err := parseAFL(afl)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AFLEntry{SFI: 1, FirstRec: 1, LastRec: 1, ODARecords: 0}, entries[0])
	assert.Equal(t, AFLEntry{SFI: 2, FirstRec: 1, LastRec: 3, ODARecords: 0}, entries[1])

	_, err = parseAFL([]byte{0x08, 0x01})
	assert.Error(t, err)
	_, err = parseAFL([]byte{0x08, 0x02, 0x01, 0x00}) // last < first
	assert.Error(t, err)
}

func TestParseTrack2(t *testing.T) {
	raw, _ := hex.DecodeString("4111111111111119d260810100001110")
	track, err := parseTrack2(raw)
	require.NoError(t, err)
	assert.Equal(t, "4111111111111119", track.PAN)
	assert.Equal(t, "2608", track.ExpiryYYMM)
	assert.Equal(t, "101", track.ServiceCode)

	_, err = parseTrack2([]byte{0x41, 0x11})
	assert.Error(t, err)
}
