package apdu

import (
	"errors"
	"fmt"
)

// Response is one response APDU split into its body and trailer.
type Response struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// ParseResponse splits raw card output into body and trailer.
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, ErrRespTooShort
	}
	return Response{
		Data: raw[:len(raw)-2],
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

// SW returns the status word as one 16-bit value.
func (r Response) SW() uint16 { return uint16(r.SW1)<<8 | uint16(r.SW2) }

// OK reports SW 9000.
func (r Response) OK() bool { return r.SW1 == 0x90 && r.SW2 == 0x00 }

// MoreData reports SW1 61; SW2 carries the pending byte count.
func (r Response) MoreData() bool { return r.SW1 == 0x61 }

// WrongLe reports SW1 6C; SW2 carries the exact Le to retry with.
func (r Response) WrongLe() bool { return r.SW1 == 0x6C }

// Warning reports the 62/63 warning classes.
func (r Response) Warning() bool { return r.SW1 == 0x62 || r.SW1 == 0x63 }

var (
	ErrRespTooShort = errors.New("apdu: response shorter than trailer")

	ErrUnspecifiedWarning          = errors.New("no information given (warning)")
	ErrUnspecifiedWarningModified  = errors.New("no information given (warning), non-volatile memory changed")
	ErrWrongLength                 = errors.New("wrong length; no further indication")
	ErrSecurityStatusNotSatisfied  = errors.New("security status not satisfied")
	ErrAuthenticationMethodBlocked = errors.New("authentication method blocked")
	ErrReferenceDataNotUsable      = errors.New("reference data not usable")
	ErrConditionsOfUseNotSatisfied = errors.New("conditions of use not satisfied")
	ErrIncorrectData               = errors.New("incorrect parameters in the command data field")
	ErrFunctionNotSupported        = errors.New("function not supported")
	ErrFileOrAppNotFound           = errors.New("file or application not found")
	ErrRecordNotFound              = errors.New("record not found")
	ErrIncorrectParams             = errors.New("incorrect parameters P1-P2")
	ErrReferenceNotFound           = errors.New("referenced data not found")
	ErrWrongParams                 = errors.New("wrong parameters P1-P2")
	ErrUnsupportedInstruction      = errors.New("instruction code not supported or invalid")
	ErrUnsupportedClass            = errors.New("class not supported")
	ErrNoDiag                      = errors.New("no precise diagnosis")
)

var trailerErrors = map[uint16]error{
	0x6200: ErrUnspecifiedWarning,
	0x6300: ErrUnspecifiedWarningModified,
	0x6700: ErrWrongLength,
	0x6982: ErrSecurityStatusNotSatisfied,
	0x6983: ErrAuthenticationMethodBlocked,
	0x6984: ErrReferenceDataNotUsable,
	0x6985: ErrConditionsOfUseNotSatisfied,
	0x6A80: ErrIncorrectData,
	0x6A81: ErrFunctionNotSupported,
	0x6A82: ErrFileOrAppNotFound,
	0x6A83: ErrRecordNotFound,
	0x6A86: ErrIncorrectParams,
	0x6A88: ErrReferenceNotFound,
	0x6B00: ErrWrongParams,
	0x6D00: ErrUnsupportedInstruction,
	0x6E00: ErrUnsupportedClass,
	0x6F00: ErrNoDiag,
}

// Err maps the trailer to a named error, or nil for 9000, pending data
// (61xx) and the exact-length retry (6Cxx), which the exchanger
// resolves. Unlisted trailers yield a generic error carrying the SW.
func (r Response) Err() error {
	if r.OK() || r.MoreData() || r.WrongLe() {
		return nil
	}
	if err, ok := trailerErrors[r.SW()]; ok {
		return err
	}
	return fmt.Errorf("apdu: status %04X (%s)", r.SW(), Describe(r.SW()))
}

// Describe renders the trailer for logs.
func Describe(sw uint16) string {
	if sw == 0x9000 {
		return "success"
	}
	if err, ok := trailerErrors[sw]; ok {
		return err.Error()
	}
	switch byte(sw >> 8) {
	case 0x61:
		return fmt.Sprintf("%d bytes pending", byte(sw))
	case 0x62, 0x63:
		return "warning"
	case 0x6C:
		return fmt.Sprintf("retry with le=%d", byte(sw))
	}
	return "unknown status"
}
