package kernel

import (
	"golang.org/x/text/encoding/charmap"
)

// codeTables maps the Issuer Code Table Index (tag 9F11) onto the
// ISO 8859 parts the Application Preferred Name may be encoded in.
var codeTables = map[byte]*charmap.Charmap{
	1:  charmap.ISO8859_1,
	2:  charmap.ISO8859_2,
	3:  charmap.ISO8859_3,
	4:  charmap.ISO8859_4,
	5:  charmap.ISO8859_5,
	6:  charmap.ISO8859_6,
	7:  charmap.ISO8859_7,
	8:  charmap.ISO8859_8,
	9:  charmap.ISO8859_9,
	10: charmap.ISO8859_10,
	13: charmap.ISO8859_13,
	14: charmap.ISO8859_14,
	15: charmap.ISO8859_15,
}

// displayName picks the cardholder-facing application name: the
// preferred name decoded through the issuer's code table when both
// are present, the plain label otherwise.
func displayName(label, preferred []byte, tableIndex byte) string {
	if len(preferred) > 0 {
		if cm, ok := codeTables[tableIndex]; ok {
			if decoded, err := cm.NewDecoder().Bytes(preferred); err == nil {
				return string(decoded)
			}
		}
	}
	return string(label)
}
