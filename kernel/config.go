package kernel

import (
	"errors"
	"fmt"

	"github.com/tapforge/softpos/cvm"
)

// Scheme names the contactless kernel driving the transaction.
type Scheme int

const (
	Visa Scheme = iota
	Mastercard
	JCB
	Discover
	UnionPay
)

func (s Scheme) String() string {
	switch s {
	case Visa:
		return "visa"
	case Mastercard:
		return "mastercard"
	case JCB:
		return "jcb"
	case Discover:
		return "discover"
	default:
		return "unionpay"
	}
}

// Config is the terminal's static configuration. Valid applies
// defaults for unset values and rejects what it cannot default.
type Config struct {
	// CountryCode is the numeric terminal country (ISO 3166), four
	// digits, e.g. "0840".
	CountryCode string
	// CurrencyCode is the numeric transaction currency (ISO 4217),
	// four digits, e.g. "0978".
	CurrencyCode string
	// TerminalType per EMV Book 4 Annex A; mobile acceptance uses 0x22.
	TerminalType byte
	// TerminalCapabilities tag 9F33.
	TerminalCapabilities [3]byte
	// AdditionalCapabilities tag 9F40.
	AdditionalCapabilities [5]byte
	// TTQ tag 9F66.
	TTQ [4]byte
	// AppVersion tag 9F09.
	AppVersion [2]byte
	// IFDSerial tag 9F1E, eight characters.
	IFDSerial string
	// TerminalID tag 9F1C, eight characters.
	TerminalID string
	// MerchantID tag 9F16, fifteen characters.
	MerchantID string
	// MerchantNameLocation tag 9F4E.
	MerchantNameLocation string
	// MerchantCategoryCode tag 9F15, four digits.
	MerchantCategoryCode string
	// AcquirerID tag 9F01, up to eleven digits.
	AcquirerID string
	// TransactionCategoryCode tag 9F53, one character.
	TransactionCategoryCode string

	// CVMRequiredLimit in minor units: amounts at or under it need no
	// cardholder verification.
	CVMRequiredLimit uint64
	// ContactlessLimit is the hard per-transaction cap.
	ContactlessLimit uint64
	// FloorLimit in minor units, tag 9F1B.
	FloorLimit uint64

	AllowNoCVM          bool
	AllowSignature      bool
	AllowDeviceCred     bool
	OnlinePINSupported  bool
	PinBlockFormat      cvm.PinFormat
	BiometricPromptText string
}

// Defaults for mobile contactless acceptance.
var (
	defaultTTQ          = [4]byte{0x36, 0x00, 0x40, 0x00}
	defaultCapabilities = [3]byte{0xE0, 0x68, 0xC8}
	defaultAdditional   = [5]byte{0x22, 0x00, 0x00, 0x00, 0x00}
	defaultAppVersion   = [2]byte{0x00, 0x02}
)

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Valid applies defaults and checks the rest.
func (c *Config) Valid() error {
	if c == nil {
		return errors.New("kernel: nil config")
	}
	if c.CountryCode == "" || !isDigits(c.CountryCode) || len(c.CountryCode) != 4 {
		return fmt.Errorf("kernel: CountryCode %q must be four digits", c.CountryCode)
	}
	if c.CurrencyCode == "" || !isDigits(c.CurrencyCode) || len(c.CurrencyCode) != 4 {
		return fmt.Errorf("kernel: CurrencyCode %q must be four digits", c.CurrencyCode)
	}
	if c.TerminalType == 0 {
		c.TerminalType = 0x22
	}
	if c.TTQ == ([4]byte{}) {
		c.TTQ = defaultTTQ
	}
	if c.TerminalCapabilities == ([3]byte{}) {
		c.TerminalCapabilities = defaultCapabilities
	}
	if c.AdditionalCapabilities == ([5]byte{}) {
		c.AdditionalCapabilities = defaultAdditional
	}
	if c.AppVersion == ([2]byte{}) {
		c.AppVersion = defaultAppVersion
	}
	if c.IFDSerial == "" {
		return errors.New("kernel: IFDSerial required")
	}
	if len(c.IFDSerial) > 8 {
		return fmt.Errorf("kernel: IFDSerial %q longer than eight characters", c.IFDSerial)
	}
	if c.TerminalID == "" {
		return errors.New("kernel: TerminalID required")
	}
	if c.MerchantCategoryCode == "" {
		c.MerchantCategoryCode = "0000"
	}
	if !isDigits(c.MerchantCategoryCode) || len(c.MerchantCategoryCode) != 4 {
		return fmt.Errorf("kernel: MerchantCategoryCode %q must be four digits", c.MerchantCategoryCode)
	}
	if c.TransactionCategoryCode == "" {
		c.TransactionCategoryCode = "R"
	}
	if c.ContactlessLimit == 0 {
		return errors.New("kernel: ContactlessLimit required")
	}
	if c.CVMRequiredLimit > c.ContactlessLimit {
		return errors.New("kernel: CVMRequiredLimit above ContactlessLimit")
	}
	return nil
}

// profile captures what differs between the five schemes.
type profile struct {
	scheme         Scheme
	pdolRequired   bool // the card must supply a PDOL
	ttqMandatory   bool // TTQ must be in the terminal store before GPO
	ctqFastPath    bool // CVM fast path reads the CTQ
	kernelDB       bool // limits come from the DF812x database tags
	msdCapable     bool // may run the magstripe-data path from GPO
	electronicCash bool // AIP byte 2 bit 0x80 selects the EC variant
	richICC        bool // widest acquirer ICC string
}

func profileFor(s Scheme) profile {
	switch s {
	case Visa:
		return profile{scheme: s, pdolRequired: true, ttqMandatory: true, ctqFastPath: true, richICC: true}
	case Mastercard:
		return profile{scheme: s, kernelDB: true}
	case JCB:
		return profile{scheme: s, ttqMandatory: true, ctqFastPath: true, richICC: true}
	case Discover:
		return profile{scheme: s, ttqMandatory: true, msdCapable: true}
	default: // UnionPay
		return profile{scheme: s, ttqMandatory: true, ctqFastPath: true, electronicCash: true}
	}
}
