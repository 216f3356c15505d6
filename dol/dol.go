// Package dol parses EMV data object lists (PDOL, CDOL, DDOL, UDOL)
// and materializes the concatenated value stream the card asks for
// from the terminal's data store.
package dol

import (
	"errors"
	"fmt"

	"github.com/tapforge/softpos/tlv"
)

// Entry is one tag reference in a DOL: the id and the length the card
// wants.
type Entry struct {
	Tag    uint32
	Length int
}

var ErrMalformed = errors.New("dol: malformed data object list")

// Parse decodes a DOL into its ordered entries. A DOL is a bare
// sequence of tag ids and one-byte lengths; there are no values.
func Parse(data []byte) ([]Entry, error) {
	var out []Entry
	o := 0
	for o < len(data) {
		id := uint32(data[o])
		n := 1
		if data[o]&0x1F == 0x1F {
			for {
				if o+n >= len(data) || n >= 3 {
					return nil, ErrMalformed
				}
				b := data[o+n]
				id = id<<8 | uint32(b)
				n++
				if b&0x80 == 0 {
					break
				}
			}
		}
		o += n
		if o >= len(data) {
			return nil, ErrMalformed
		}
		out = append(out, Entry{Tag: id, Length: int(data[o])})
		o++
	}
	return out, nil
}

// TotalLength is the byte size of the materialized stream.
func TotalLength(entries []Entry) int {
	total := 0
	for _, e := range entries {
		total += e.Length
	}
	return total
}

// Tags whose values are character data and therefore pad on the right
// with spaces instead of on the left with zeros.
var textTags = map[uint32]bool{
	0x9F1C: true, // Terminal Identification
	0x9F16: true, // Merchant Identifier
	0x9F1E: true, // IFD Serial Number
	0x5F20: true, // Cardholder Name
	0x50:   true, // Application Label
	0x9F12: true, // Application Preferred Name
	0x5F2D: true, // Language Preference
	0x9F4E: true, // Merchant Name and Location
}

// Fit pads or truncates value to the requested length using the
// format rules: text tags right-pad with spaces, everything else
// left-pads with zeros; oversized values lose their right end.
func Fit(id uint32, value []byte, length int) []byte {
	if len(value) == length {
		return value
	}
	if len(value) > length {
		return value[:length]
	}
	out := make([]byte, length)
	if textTags[id] {
		copy(out, value)
		for i := len(value); i < length; i++ {
			out[i] = 0x20
		}
		return out
	}
	copy(out[length-len(value):], value)
	return out
}

// Build materializes the DOL: each entry's value is fetched from the
// store and fitted to the requested length; absent tags contribute a
// zero buffer of the requested size.
func Build(entries []Entry, store *DataStore) []byte {
	out := make([]byte, 0, TotalLength(entries))
	for _, e := range entries {
		value, ok := store.Get(e.Tag)
		if !ok {
			out = append(out, make([]byte, e.Length)...)
			continue
		}
		out = append(out, Fit(e.Tag, value, e.Length)...)
	}
	return out
}

// Critical tags the terminal must hold before any GPO is dispatched.
var critical = []uint32{
	0x9F02, // Amount, Authorised
	0x9F03, // Amount, Other
	0x9F1A, // Terminal Country Code
	0x5F2A, // Transaction Currency Code
	0x9A,   // Transaction Date
	0x9C,   // Transaction Type
	0x9F37, // Unpredictable Number
	0x9F66, // Terminal Transaction Qualifiers
}

// CanSatisfy reports the critical tags the DOL entries request that are
// missing from the store; critical tags the DOL does not name are not
// checked. The
// kernel treats a non-empty result as a configuration failure before
// sending the first APDU.
func CanSatisfy(entries []Entry, store *DataStore) []uint32 {
	want := make(map[uint32]bool, len(critical))
	for _, id := range critical {
		want[id] = true
	}
	var missing []uint32
	for _, e := range entries {
		if want[e.Tag] && !store.Has(e.Tag) {
			missing = append(missing, e.Tag)
		}
	}
	return missing
}

// WrapCommandTemplate wraps materialized PDOL data in the 0x83
// command template GPO requires; empty data becomes 83 00.
func WrapCommandTemplate(data []byte) []byte {
	return tlv.TLV{Tag: tlv.Lookup(0x83), Value: data}.Encode()
}

// String renders a DOL for logs.
func String(entries []Entry) string {
	s := ""
	for i, e := range entries {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%X/%d", e.Tag, e.Length)
	}
	return s
}
