package kernel

import (
	"github.com/tapforge/softpos/pace"
)

// Kind tags the terminal outcome of one transaction attempt.
type Kind int

const (
	// KindOnlineRequest asks the caller to authorize online with the
	// attached request.
	KindOnlineRequest Kind = iota
	// KindApproved is an offline approval carrying the TC.
	KindApproved
	// KindDeclined carries the decline reason and, when the card
	// produced one, the AAC.
	KindDeclined
	// KindTryAnotherInterface asks for a different entry mode.
	KindTryAnotherInterface
	// KindEndApplication aborts the attempt; the cardholder re-taps.
	KindEndApplication
	// KindTryAgain asks for an immediate re-tap (card pulled early).
	KindTryAgain
)

func (k Kind) String() string {
	switch k {
	case KindOnlineRequest:
		return "online"
	case KindApproved:
		return "approved"
	case KindDeclined:
		return "declined"
	case KindTryAnotherInterface:
		return "try_another_interface"
	case KindEndApplication:
		return "end_application"
	default:
		return "try_again"
	}
}

// OnlineRequest is everything the acquirer link needs to build the
// authorization message. The PAN never appears in the clear here.
type OnlineRequest struct {
	MaskedPAN  string
	PANHash    string
	ICCData    []byte // ordered TLV string for DE 55
	Cryptogram []byte
	ATC        []byte
	IAD        []byte
	Track2     string // masked
	ExpiryYYMM string
}

// ApprovedRecord is an offline approval.
type ApprovedRecord struct {
	TC        []byte
	ATC       []byte
	ICCData   []byte
	PANHash   string
	MaskedPAN string
}

// Outcome is the single artifact a transaction produces. Diagnostic
// fields ride along for logs; the caller only branches on Kind.
type Outcome struct {
	Kind   Kind
	Reason string
	Err    error

	AID        []byte
	Label      string
	AIP        [2]byte
	TVR        [5]byte
	TSI        [2]byte
	CVMResults [3]byte

	Online   *OnlineRequest
	Approved *ApprovedRecord
	AAC      []byte

	Phases []pace.PhaseTime
}
