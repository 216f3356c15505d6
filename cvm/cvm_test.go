package cvm

import (
	"encoding/hex"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	// X=1000, Y=5000, rules: online PIN always (continue), signature if
	// terminal supports, no CVM always.
	data, _ := hex.DecodeString("000003e800001388" + "4200" + "1e03" + "1f00")
	_, err := ParseList(data[:7])
	require.ErrorIs(t, err, ErrMalformedList)
	_, err = ParseList(data[:9])
	require.ErrorIs(t, err, ErrMalformedList)

	l, err := ParseList(data[:14])
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), l.X)
	assert.Equal(t, uint32(5000), l.Y)
	require.Len(t, l.Rules, 3)
	assert.Equal(t, byte(MethodOnlinePIN), l.Rules[0].Method())
	assert.True(t, l.Rules[0].ContinueOnFail())
	assert.Equal(t, byte(0x00), l.Rules[0].Condition)
	assert.False(t, l.Rules[1].ContinueOnFail())
}

type fixedVerifier struct{ r CdcvmResult }

func (f fixedVerifier) PerformCdcvm() CdcvmResult { return f.r }

func list(rules ...Rule) List { return List{X: 1000, Y: 5000, Rules: rules} }

func TestEvaluateDispatch(t *testing.T) {
	cases := []struct {
		name string
		l    List
		env  Env
		kind Kind
		res  string
	}{
		{
			"online PIN supported",
			list(Rule{MethodOnlinePIN, CondAlways}),
			Env{OnlinePIN: true},
			Success, "020002",
		},
		{
			"online PIN unsupported falls to signature",
			list(Rule{MethodOnlinePIN, CondAlways}, Rule{MethodSignature, CondAlways}),
			Env{AllowSignature: true},
			Success, "1e0002",
		},
		{
			"fail rule without continue ends walk",
			list(Rule{MethodFail, CondAlways}, Rule{MethodNoCVM, CondAlways}),
			Env{AllowNoCVM: true},
			Failed, "000001",
		},
		{
			"fail rule with continue moves on",
			list(Rule{MethodFail | 0x40, CondAlways}, Rule{MethodNoCVM, CondAlways}),
			Env{AllowNoCVM: true},
			Success, "1f0002",
		},
		{
			"no CVM within limit",
			list(Rule{MethodNoCVM, CondAlways}),
			Env{Amount: 500, NoCVMLimit: 500},
			Success, "1f0002",
		},
		{
			"no CVM above limit fails",
			list(Rule{MethodNoCVM, CondAlways}),
			Env{Amount: 501, NoCVMLimit: 500},
			Failed, "1f0001",
		},
		{
			"cdcvm success",
			list(Rule{MethodCDCVM, CondAlways}),
			Env{AllowDeviceCred: true, Cdcvm: fixedVerifier{CdcvmResult{Status: CdcvmSuccess}}},
			Success, "2f0002",
		},
		{
			"cdcvm failed",
			list(Rule{MethodCDCVM, CondAlways}),
			Env{AllowDeviceCred: true, Cdcvm: fixedVerifier{CdcvmResult{Status: CdcvmFailed, Reason: "mismatch"}}},
			Failed, "2f0001",
		},
		{
			"cdcvm unavailable falls through to no-CVM default",
			list(Rule{MethodCDCVM, CondAlways}),
			Env{AllowDeviceCred: true, AllowNoCVM: true, Cdcvm: fixedVerifier{CdcvmResult{Status: CdcvmUnavailable}}},
			NoCvmPerformed, "1f0000",
		},
		{
			"empty list without allow-no-cvm fails",
			list(),
			Env{},
			Failed, "000001",
		},
	}
	for i, tc := range cases {
		t.Run(strconv.Itoa(i)+"_"+tc.name, func(t *testing.T) {
			d := Evaluate(tc.l, tc.env)
			assert.Equal(t, tc.kind, d.Kind)
			assert.Equal(t, tc.res, hex.EncodeToString(d.Results[:]))
		})
	}
}

func TestConditionCodes(t *testing.T) {
	l := list()
	cases := []struct {
		cond byte
		env  Env
		want bool
	}{
		{CondAlways, Env{}, true},
		{CondUnattendedCash, Env{IsCash: true}, true},
		{CondUnattendedCash, Env{}, false},
		{CondNotCash, Env{}, true},
		{CondNotCash, Env{IsCashback: true}, false},
		{CondManualCash, Env{IsManualCash: true}, true},
		{CondCashback, Env{IsCashback: true}, true},
		// Amount comparisons hold only in the application currency.
		{CondUnderX, Env{InAppCurrency: true, Amount: 999}, true},
		{CondUnderX, Env{InAppCurrency: true, Amount: 1000}, false},
		{CondUnderX, Env{Amount: 999}, false},
		{CondOverX, Env{InAppCurrency: true, Amount: 1001}, true},
		{CondOverX, Env{InAppCurrency: true, Amount: 1000}, false},
		{CondUnderY, Env{InAppCurrency: true, Amount: 4999}, true},
		{CondOverY, Env{InAppCurrency: true, Amount: 5001}, true},
		{0x0A, Env{}, false},
	}
	for i, tc := range cases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			assert.Equal(t, tc.want, conditionMet(tc.cond, l, tc.env))
		})
	}
}

func TestFixedResults(t *testing.T) {
	assert.Equal(t, [3]byte{0x1F, 0x00, 0x00}, NoCvmResults())
	assert.Equal(t, [3]byte{0x2F, 0x00, 0x02}, CdcvmResults())
}

func TestPinBlock0(t *testing.T) {
	buf, err := PinBlock0("1234", "4111111111111111")
	require.NoError(t, err)
	defer buf.Release()
	want, _ := hex.DecodeString("041225eeeeeeeeee")
	assert.True(t, buf.Equal(want), "block = %x", buf.Bytes())
}

func TestPinBlock0Errors(t *testing.T) {
	if _, err := PinBlock0("12", "4111111111111111"); err != ErrBadPIN {
		t.Errorf("short PIN err = %v", err)
	}
	if _, err := PinBlock0("12a4", "4111111111111111"); err != ErrBadPIN {
		t.Errorf("non-digit PIN err = %v", err)
	}
	if _, err := PinBlock0("1234", "4111"); err == nil {
		t.Error("short PAN accepted")
	}
}

func TestPinBlock4(t *testing.T) {
	buf, err := PinBlock4("123456")
	require.NoError(t, err)
	defer buf.Release()
	b := buf.Bytes()
	require.Len(t, b, 16)
	assert.Equal(t, byte(0x46), b[0])
	assert.Equal(t, byte(0x12), b[1])
	assert.Equal(t, byte(0x34), b[2])
	assert.Equal(t, byte(0x56), b[3])
}
