package apdu

import (
	"bytes"
	"context"
	"encoding/hex"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var encodeCases = []struct {
	cmd  Command
	want string
}{
	// Case 1: header only.
	{Command{Cla: 0x00, Ins: 0xA4, P1: 0x04, P2: 0x00}, "00a40400"},
	// Case 2 short: Le only, 256 as 00.
	{Command{Ins: 0xB2, P1: 0x01, P2: 0x0C, Le: 256}, "00b2010c00"},
	{Command{Ins: 0xB2, P1: 0x01, P2: 0x0C, Le: 16}, "00b2010c10"},
	// Case 3 short: data only.
	{Command{Ins: 0xA4, P1: 0x04, Data: []byte{0xA0, 0x00}}, "00a4040002a000"},
	// Case 4 short.
	{Command{Cla: 0x80, Ins: 0xA8, Data: []byte{0x83, 0x00}, Le: 256}, "80a80000028300" + "00"},
}

func TestEncode(t *testing.T) {
	for i, tc := range encodeCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			got, err := tc.cmd.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if hex.EncodeToString(got) != tc.want {
				t.Errorf("Encode = %x; want %s", got, tc.want)
			}
		})
	}
}

func TestEncodeExtended(t *testing.T) {
	// 300 data bytes with Le 256 forces the extended forms for both
	// fields.
	cmd := Command{Ins: 0xA4, P1: 0x04, Data: bytes.Repeat([]byte{0xAB}, 300), Le: 256}
	got, err := cmd.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:5], []byte{0x00, 0xA4, 0x04, 0x00, 0x00}) {
		t.Errorf("header+lc marker = %x", got[:5])
	}
	if !bytes.Equal(got[5:7], []byte{0x01, 0x2C}) {
		t.Errorf("extended lc = %x; want 012c", got[5:7])
	}
	if len(got) != 7+300+2 {
		t.Fatalf("len = %d; want %d", len(got), 7+300+2)
	}
	if !bytes.Equal(got[7+300:], []byte{0x00, 0x00}) {
		t.Errorf("extended le = %x; want 0000", got[7+300:])
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	cases := []Command{
		{Cla: 0x00, Ins: 0xA4, P1: 0x04, P2: 0x00},
		{Ins: 0xB2, P1: 0x01, P2: 0x0C, Le: 256},
		{Ins: 0xA4, P1: 0x04, Data: []byte{0xA0, 0x00, 0x00, 0x00, 0x03}},
		{Cla: 0x80, Ins: 0xA8, Data: []byte{0x83, 0x00}, Le: 17},
		{Ins: 0xA4, P1: 0x04, Data: bytes.Repeat([]byte{0xAB}, 300), Le: 256},
		{Ins: 0xA4, P1: 0x04, Data: bytes.Repeat([]byte{0xCD}, 65535), Le: 300},
		{Ins: 0xB0, Le: 65536},
	}
	for i, cmd := range cases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			raw, err := cmd.Encode()
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(raw)
			if err != nil {
				t.Fatal(err)
			}
			want := cmd
			// The zero Le forms collapse onto 256 on decode.
			if want.Le == MaxLe || (want.Le == MaxShortLe && len(want.Data) > MaxShortLc) {
				want.Le = MaxShortLe
			}
			if len(want.Data) == 0 {
				want.Data = nil
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuilders(t *testing.T) {
	if got, _ := SelectPPSE().Encode(); !bytes.Equal(got[5:5+14], []byte(PPSEName)) {
		t.Errorf("PPSE name bytes = %x", got[5:5+14])
	}
	rr := ReadRecord(2, 1)
	if rr.P2 != (2<<3)|0x04 {
		t.Errorf("READ RECORD P2 = %02x", rr.P2)
	}
	for _, tc := range []struct {
		kind CryptogramKind
		cda  bool
		p1   byte
	}{
		{AAC, false, 0x00},
		{TC, false, 0x40},
		{ARQC, false, 0x80},
		{ARQC, true, 0x90},
	} {
		if got := GenerateAC(tc.kind, tc.cda, nil).P1; got != tc.p1 {
			t.Errorf("GenerateAC(%02x, %v) P1 = %02x; want %02x", byte(tc.kind), tc.cda, got, tc.p1)
		}
	}
	gd := GetData(0x9F36)
	if gd.P1 != 0x9F || gd.P2 != 0x36 {
		t.Errorf("GetData two-byte = %02x %02x", gd.P1, gd.P2)
	}
	gd = GetData(0xC1)
	if gd.P1 != 0x00 || gd.P2 != 0xC1 {
		t.Errorf("GetData one-byte = %02x %02x", gd.P1, gd.P2)
	}
}

func TestResponsePredicates(t *testing.T) {
	cases := []struct {
		raw     string
		ok      bool
		more    bool
		warning bool
		err     error
	}{
		{"9000", true, false, false, nil},
		{"6110", false, true, false, nil},
		{"6283", false, false, true, nil},
		{"63c2", false, false, true, nil},
		{"6a82", false, false, false, ErrFileOrAppNotFound},
		{"6985", false, false, false, ErrConditionsOfUseNotSatisfied},
		{"6d00", false, false, false, ErrUnsupportedInstruction},
	}
	for i, tc := range cases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			raw, _ := hex.DecodeString(tc.raw)
			resp, err := ParseResponse(raw)
			if err != nil {
				t.Fatal(err)
			}
			if resp.OK() != tc.ok || resp.MoreData() != tc.more || resp.Warning() != tc.warning {
				t.Errorf("predicates = %v %v %v", resp.OK(), resp.MoreData(), resp.Warning())
			}
			if tc.err == nil && resp.Err() != nil && !resp.Warning() {
				t.Errorf("Err = %v; want nil", resp.Err())
			}
			if tc.err != nil && resp.Err() != tc.err {
				t.Errorf("Err = %v; want %v", resp.Err(), tc.err)
			}
		})
	}
	if _, err := ParseResponse([]byte{0x90}); err != ErrRespTooShort {
		t.Errorf("short response err = %v", err)
	}
}

// scriptTransceiver pops canned responses in order.
type scriptTransceiver struct {
	t     *testing.T
	steps []struct {
		expect string // hex prefix of the command, "" = any
		resp   string
	}
}

func (s *scriptTransceiver) Transceive(_ context.Context, cmd Command) (Response, error) {
	if len(s.steps) == 0 {
		s.t.Fatal("unexpected transceive")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	raw, err := cmd.Encode()
	if err != nil {
		return Response{}, err
	}
	if step.expect != "" {
		want, _ := hex.DecodeString(step.expect)
		if !bytes.HasPrefix(raw, want) {
			s.t.Fatalf("command = %x; want prefix %s", raw, step.expect)
		}
	}
	data, _ := hex.DecodeString(step.resp)
	return ParseResponse(data)
}

func TestExchangerChainsGetResponse(t *testing.T) {
	tr := &scriptTransceiver{t: t, steps: []struct{ expect, resp string }{
		{"00b2010c", "aabb6102"},
		{"00c0000002", "ccdd9000"},
	}}
	resp, err := Exchanger{T: tr}.Exchange(context.Background(), ReadRecord(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() || !bytes.Equal(resp.Data, []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Errorf("resp = %+v", resp)
	}
}

func TestExchangerRetriesWrongLe(t *testing.T) {
	tr := &scriptTransceiver{t: t, steps: []struct{ expect, resp string }{
		{"00b2010c00", "6c10"},
		{"00b2010c10", "11229000"},
	}}
	resp, err := Exchanger{T: tr}.Exchange(context.Background(), ReadRecord(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() || !bytes.Equal(resp.Data, []byte{0x11, 0x22}) {
		t.Errorf("resp = %+v", resp)
	}
}

func TestParsePPSE(t *testing.T) {
	fci, _ := hex.DecodeString("6f29840e325041592e5359532e4444463031a517bf0c1461124f07a0000000031010500456495341870101")
	cands, err := ParsePPSE(fci)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d; want 1", len(cands))
	}
	aid, _ := hex.DecodeString("a0000000031010")
	if !bytes.Equal(cands[0].AID, aid) {
		t.Errorf("AID = %x", cands[0].AID)
	}
	if cands[0].Label != "VISA" || cands[0].Priority != 1 {
		t.Errorf("label=%q priority=%d", cands[0].Label, cands[0].Priority)
	}
}

func TestParsePPSEPriorityOrder(t *testing.T) {
	// Three applications; the second carries the lower priority value and
	// must sort first, the third has no priority and sorts last.
	fci, _ := hex.DecodeString("6f39840e325041592e5359532e4444463031a527bf0c24610c4f07a0000000031010870102610d4f08a00000000410108287010161054f03a00000")
	cands, err := ParsePPSE(fci)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 3 {
		t.Fatalf("candidates = %d; want 3", len(cands))
	}
	if cands[0].Priority != 1 || cands[1].Priority != 2 || cands[2].Priority != 0 {
		t.Errorf("priorities = %d %d %d", cands[0].Priority, cands[1].Priority, cands[2].Priority)
	}
}

func TestMatchAID(t *testing.T) {
	visa, _ := hex.DecodeString("a000000003")
	full, _ := hex.DecodeString("a0000000031010")
	if !MatchAID(visa, full) {
		t.Error("prefix did not match")
	}
	if MatchAID(full, visa) {
		t.Error("shorter candidate matched longer prefix")
	}
}
