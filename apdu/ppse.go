package apdu

import (
	"bytes"
	"errors"
	"sort"

	"github.com/tapforge/softpos/tlv"
)

// Candidate is one payment application advertised in the PPSE
// directory.
type Candidate struct {
	AID      []byte
	Label    string
	Priority byte // lower means preferred; 0 means unspecified
	KernelID []byte
}

var ErrNoApplications = errors.New("apdu: PPSE lists no applications")

// ParsePPSE walks the FCI returned by SELECT PPSE and produces the
// candidate list ordered by application priority.
func ParsePPSE(fci []byte) ([]Candidate, error) {
	objs, err := tlv.ParseAll(fci)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, obj := range objs {
		if obj.Tag.ID != 0x6F {
			continue
		}
		prop := tlv.Find(obj.Value, 0xA5)
		if prop == nil {
			continue
		}
		discr := tlv.Find(prop, 0xBF0C)
		if discr == nil {
			continue
		}
		entries, err := tlv.ParseAll(discr)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.Tag.ID != 0x61 {
				continue
			}
			c := Candidate{AID: tlv.Find(entry.Value, 0x4F)}
			if c.AID == nil {
				continue
			}
			c.Label = string(tlv.Find(entry.Value, 0x50))
			if p := tlv.Find(entry.Value, 0x87); len(p) == 1 {
				c.Priority = p[0] & 0x0F
			}
			c.KernelID = tlv.Find(entry.Value, 0x9F2A)
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoApplications
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Priority, out[j].Priority
		if pi == 0 {
			pi = 0x0F
		}
		if pj == 0 {
			pj = 0x0F
		}
		return pi < pj
	})
	return out, nil
}

// MatchAID reports whether the candidate AID equals or extends the
// supported AID prefix.
func MatchAID(supported, candidate []byte) bool {
	return len(candidate) >= len(supported) && bytes.Equal(candidate[:len(supported)], supported)
}
