package kernel

import (
	"errors"
	"fmt"
	"strings"
)

// AFLEntry is one file segment of the Application File Locator.
type AFLEntry struct {
	SFI        byte // already shifted down to the 5-bit id
	FirstRec   byte
	LastRec    byte
	ODARecords byte // leading records that feed the ODA hash input
}

var errMalformedAFL = errors.New("kernel: malformed AFL")

// parseAFL splits the AFL into its four-byte entries.
func parseAFL(data []byte) ([]AFLEntry, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, errMalformedAFL
	}
	out := make([]AFLEntry, 0, len(data)/4)
	for o := 0; o < len(data); o += 4 {
		e := AFLEntry{
			SFI:        data[o] >> 3,
			FirstRec:   data[o+1],
			LastRec:    data[o+2],
			ODARecords: data[o+3],
		}
		if e.SFI == 0 || e.SFI > 30 || e.FirstRec == 0 || e.LastRec < e.FirstRec {
			return nil, fmt.Errorf("%w: entry %+v", errMalformedAFL, e)
		}
		out = append(out, e)
	}
	return out, nil
}

// Track2 is the split form of the track 2 equivalent data.
type Track2 struct {
	PAN         string
	ExpiryYYMM  string
	ServiceCode string
	Raw         string
}

// parseTrack2 decodes tag 57: BCD digits with 'D' as the field
// separator and an optional trailing F pad nibble.
func parseTrack2(data []byte) (Track2, error) {
	var sb strings.Builder
	for _, b := range data {
		for _, nib := range [2]byte{b >> 4, b & 0x0F} {
			switch {
			case nib <= 9:
				sb.WriteByte('0' + nib)
			case nib == 0x0D:
				sb.WriteByte('D')
			case nib == 0x0F:
				// pad
			default:
				return Track2{}, fmt.Errorf("kernel: invalid track 2 nibble %x", nib)
			}
		}
	}
	raw := sb.String()
	sep := strings.IndexByte(raw, 'D')
	if sep < 0 {
		return Track2{}, errors.New("kernel: track 2 missing separator")
	}
	t := Track2{PAN: raw[:sep], Raw: raw}
	rest := raw[sep+1:]
	if len(rest) >= 4 {
		t.ExpiryYYMM = rest[:4]
	}
	if len(rest) >= 7 {
		t.ServiceCode = rest[4:7]
	}
	return t, nil
}
