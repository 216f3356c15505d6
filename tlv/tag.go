package tlv

// Source tells which side of the interface a data element originates from.
type Source uint8

const (
	SourceCard Source = iota
	SourceTerminal
	SourceIssuer
)

// Format is the EMV data element format of a tag's value.
type Format uint8

const (
	Binary              Format = iota // b
	Numeric                           // n, BCD right-justified
	CompressedNumeric                 // cn, BCD left-justified F-padded
	Alphanumeric                      // an
	AlphanumericSpecial               // ans
	Constructed                       // template
)

// Tag describes a registered EMV data element. Unknown ids decode to a
// null Tag so parsing never fails on the id alone.
type Tag struct {
	ID     uint32
	Name   string
	Source Source
	Format Format
	Min    int
	Max    int
}

// Known reports whether the tag was found in the registry.
func (t Tag) Known() bool { return t.Name != "" }

// Constructed reports whether the tag encloses further TLV objects,
// from the constructed bit of the leading tag byte.
func (t Tag) Constructed() bool {
	return leadByte(t.ID)&0x20 != 0
}

func leadByte(id uint32) byte {
	switch {
	case id > 0xFFFF:
		return byte(id >> 16)
	case id > 0xFF:
		return byte(id >> 8)
	default:
		return byte(id)
	}
}

var (
	TagAID                 = Tag{ID: 0x4F, Name: "Application Identifier (AID)", Source: SourceCard, Format: Binary, Min: 5, Max: 16}
	TagAppLabel            = Tag{ID: 0x50, Name: "Application Label", Source: SourceCard, Format: AlphanumericSpecial, Min: 1, Max: 16}
	TagTrack2Equivalent    = Tag{ID: 0x57, Name: "Track 2 Equivalent Data", Source: SourceCard, Format: Binary, Min: 0, Max: 19}
	TagPAN                 = Tag{ID: 0x5A, Name: "Application Primary Account Number (PAN)", Source: SourceCard, Format: CompressedNumeric, Min: 0, Max: 10}
	TagAppTemplate         = Tag{ID: 0x61, Name: "Application Template", Source: SourceCard, Format: Constructed, Min: 0, Max: 252}
	TagFCITemplate         = Tag{ID: 0x6F, Name: "File Control Information (FCI) Template", Source: SourceCard, Format: Constructed, Min: 0, Max: 252}
	TagReadRecordTemplate  = Tag{ID: 0x70, Name: "READ RECORD Response Message Template", Source: SourceCard, Format: Constructed, Min: 0, Max: 252}
	TagResponseFormat2     = Tag{ID: 0x77, Name: "Response Message Template Format 2", Source: SourceCard, Format: Constructed, Min: 0, Max: 253}
	TagResponseFormat1     = Tag{ID: 0x80, Name: "Response Message Template Format 1", Source: SourceCard, Format: Binary, Min: 0, Max: 253}
	TagAIP                 = Tag{ID: 0x82, Name: "Application Interchange Profile", Source: SourceCard, Format: Binary, Min: 2, Max: 2}
	TagCommandTemplate     = Tag{ID: 0x83, Name: "Command Template", Source: SourceTerminal, Format: Binary, Min: 0, Max: 253}
	TagDFName              = Tag{ID: 0x84, Name: "Dedicated File (DF) Name", Source: SourceCard, Format: Binary, Min: 5, Max: 16}
	TagAppPriority         = Tag{ID: 0x87, Name: "Application Priority Indicator", Source: SourceCard, Format: Binary, Min: 1, Max: 1}
	TagSFI                 = Tag{ID: 0x88, Name: "Short File Identifier (SFI)", Source: SourceCard, Format: Binary, Min: 1, Max: 1}
	TagAuthResponseCode    = Tag{ID: 0x8A, Name: "Authorisation Response Code", Source: SourceIssuer, Format: Alphanumeric, Min: 2, Max: 2}
	TagCDOL1               = Tag{ID: 0x8C, Name: "Card Risk Management Data Object List 1 (CDOL1)", Source: SourceCard, Format: Binary, Min: 0, Max: 252}
	TagCDOL2               = Tag{ID: 0x8D, Name: "Card Risk Management Data Object List 2 (CDOL2)", Source: SourceCard, Format: Binary, Min: 0, Max: 252}
	TagCVMList             = Tag{ID: 0x8E, Name: "Cardholder Verification Method (CVM) List", Source: SourceCard, Format: Binary, Min: 10, Max: 252}
	TagCAPKIndex           = Tag{ID: 0x8F, Name: "Certification Authority Public Key Index", Source: SourceCard, Format: Binary, Min: 1, Max: 1}
	TagIssuerPKCert        = Tag{ID: 0x90, Name: "Issuer Public Key Certificate", Source: SourceCard, Format: Binary, Min: 0, Max: 248}
	TagIssuerPKRemainder   = Tag{ID: 0x92, Name: "Issuer Public Key Remainder", Source: SourceCard, Format: Binary, Min: 0, Max: 248}
	TagSSAD                = Tag{ID: 0x93, Name: "Signed Static Application Data", Source: SourceCard, Format: Binary, Min: 0, Max: 248}
	TagAFL                 = Tag{ID: 0x94, Name: "Application File Locator (AFL)", Source: SourceCard, Format: Binary, Min: 0, Max: 252}
	TagTVR                 = Tag{ID: 0x95, Name: "Terminal Verification Results", Source: SourceTerminal, Format: Binary, Min: 5, Max: 5}
	TagTDOL                = Tag{ID: 0x97, Name: "Transaction Certificate Data Object List (TDOL)", Source: SourceCard, Format: Binary, Min: 0, Max: 252}
	TagTransactionDate     = Tag{ID: 0x9A, Name: "Transaction Date", Source: SourceTerminal, Format: Numeric, Min: 3, Max: 3}
	TagTSI                 = Tag{ID: 0x9B, Name: "Transaction Status Information", Source: SourceTerminal, Format: Binary, Min: 2, Max: 2}
	TagTransactionType     = Tag{ID: 0x9C, Name: "Transaction Type", Source: SourceTerminal, Format: Numeric, Min: 1, Max: 1}
	TagDDFName             = Tag{ID: 0x9D, Name: "Directory Definition File (DDF) Name", Source: SourceCard, Format: Binary, Min: 5, Max: 16}
	TagFCIProprietary      = Tag{ID: 0xA5, Name: "FCI Proprietary Template", Source: SourceCard, Format: Constructed, Min: 0, Max: 252}
	TagCardholderName      = Tag{ID: 0x5F20, Name: "Cardholder Name", Source: SourceCard, Format: AlphanumericSpecial, Min: 2, Max: 26}
	TagExpirationDate      = Tag{ID: 0x5F24, Name: "Application Expiration Date", Source: SourceCard, Format: Numeric, Min: 3, Max: 3}
	TagEffectiveDate       = Tag{ID: 0x5F25, Name: "Application Effective Date", Source: SourceCard, Format: Numeric, Min: 3, Max: 3}
	TagIssuerCountry       = Tag{ID: 0x5F28, Name: "Issuer Country Code", Source: SourceCard, Format: Numeric, Min: 2, Max: 2}
	TagTransactionCurrency = Tag{ID: 0x5F2A, Name: "Transaction Currency Code", Source: SourceTerminal, Format: Numeric, Min: 2, Max: 2}
	TagLanguagePreference  = Tag{ID: 0x5F2D, Name: "Language Preference", Source: SourceCard, Format: Alphanumeric, Min: 2, Max: 8}
	TagServiceCode         = Tag{ID: 0x5F30, Name: "Service Code", Source: SourceCard, Format: Numeric, Min: 2, Max: 2}
	TagPANSequence         = Tag{ID: 0x5F34, Name: "Application PAN Sequence Number", Source: SourceCard, Format: Numeric, Min: 1, Max: 1}
	TagCurrencyExponent    = Tag{ID: 0x5F36, Name: "Transaction Currency Exponent", Source: SourceTerminal, Format: Numeric, Min: 1, Max: 1}
	TagAcquirerID          = Tag{ID: 0x9F01, Name: "Acquirer Identifier", Source: SourceTerminal, Format: Numeric, Min: 6, Max: 6}
	TagAmountAuthorised    = Tag{ID: 0x9F02, Name: "Amount, Authorised (Numeric)", Source: SourceTerminal, Format: Numeric, Min: 6, Max: 6}
	TagAmountOther         = Tag{ID: 0x9F03, Name: "Amount, Other (Numeric)", Source: SourceTerminal, Format: Numeric, Min: 6, Max: 6}
	TagAIDTerminal         = Tag{ID: 0x9F06, Name: "AID - Terminal", Source: SourceTerminal, Format: Binary, Min: 5, Max: 16}
	TagAUC                 = Tag{ID: 0x9F07, Name: "Application Usage Control", Source: SourceCard, Format: Binary, Min: 2, Max: 2}
	TagAppVersionICC       = Tag{ID: 0x9F08, Name: "Application Version Number (ICC)", Source: SourceCard, Format: Binary, Min: 2, Max: 2}
	TagAppVersionTerminal  = Tag{ID: 0x9F09, Name: "Application Version Number (Terminal)", Source: SourceTerminal, Format: Binary, Min: 2, Max: 2}
	TagIACDefault          = Tag{ID: 0x9F0D, Name: "Issuer Action Code - Default", Source: SourceCard, Format: Binary, Min: 5, Max: 5}
	TagIACDenial           = Tag{ID: 0x9F0E, Name: "Issuer Action Code - Denial", Source: SourceCard, Format: Binary, Min: 5, Max: 5}
	TagIACOnline           = Tag{ID: 0x9F0F, Name: "Issuer Action Code - Online", Source: SourceCard, Format: Binary, Min: 5, Max: 5}
	TagIAD                 = Tag{ID: 0x9F10, Name: "Issuer Application Data", Source: SourceCard, Format: Binary, Min: 0, Max: 32}
	TagIssuerCodeTable     = Tag{ID: 0x9F11, Name: "Issuer Code Table Index", Source: SourceCard, Format: Numeric, Min: 1, Max: 1}
	TagAppPreferredName    = Tag{ID: 0x9F12, Name: "Application Preferred Name", Source: SourceCard, Format: AlphanumericSpecial, Min: 1, Max: 16}
	TagLastOnlineATC       = Tag{ID: 0x9F13, Name: "Last Online ATC Register", Source: SourceCard, Format: Binary, Min: 2, Max: 2}
	TagLowerOfflineLimit   = Tag{ID: 0x9F14, Name: "Lower Consecutive Offline Limit", Source: SourceCard, Format: Binary, Min: 1, Max: 1}
	TagMCC                 = Tag{ID: 0x9F15, Name: "Merchant Category Code", Source: SourceTerminal, Format: Numeric, Min: 2, Max: 2}
	TagMerchantID          = Tag{ID: 0x9F16, Name: "Merchant Identifier", Source: SourceTerminal, Format: AlphanumericSpecial, Min: 15, Max: 15}
	TagPINTryCounter       = Tag{ID: 0x9F17, Name: "PIN Try Counter", Source: SourceCard, Format: Binary, Min: 1, Max: 1}
	TagTerminalCountry     = Tag{ID: 0x9F1A, Name: "Terminal Country Code", Source: SourceTerminal, Format: Numeric, Min: 2, Max: 2}
	TagTerminalFloorLimit  = Tag{ID: 0x9F1B, Name: "Terminal Floor Limit", Source: SourceTerminal, Format: Binary, Min: 4, Max: 4}
	TagTerminalID          = Tag{ID: 0x9F1C, Name: "Terminal Identification", Source: SourceTerminal, Format: AlphanumericSpecial, Min: 8, Max: 8}
	TagIFDSerial           = Tag{ID: 0x9F1E, Name: "Interface Device (IFD) Serial Number", Source: SourceTerminal, Format: AlphanumericSpecial, Min: 8, Max: 8}
	TagTrack1Discretionary = Tag{ID: 0x9F1F, Name: "Track 1 Discretionary Data", Source: SourceCard, Format: AlphanumericSpecial, Min: 0, Max: 252}
	TagTransactionTime     = Tag{ID: 0x9F21, Name: "Transaction Time", Source: SourceTerminal, Format: Numeric, Min: 3, Max: 3}
	TagAppCryptogram       = Tag{ID: 0x9F26, Name: "Application Cryptogram", Source: SourceCard, Format: Binary, Min: 8, Max: 8}
	TagCID                 = Tag{ID: 0x9F27, Name: "Cryptogram Information Data", Source: SourceCard, Format: Binary, Min: 1, Max: 1}
	TagKernelIdentifier    = Tag{ID: 0x9F2A, Name: "Kernel Identifier", Source: SourceCard, Format: Binary, Min: 1, Max: 8}
	TagIssuerPKExponent    = Tag{ID: 0x9F32, Name: "Issuer Public Key Exponent", Source: SourceCard, Format: Binary, Min: 1, Max: 3}
	TagTerminalCaps        = Tag{ID: 0x9F33, Name: "Terminal Capabilities", Source: SourceTerminal, Format: Binary, Min: 3, Max: 3}
	TagCVMResults          = Tag{ID: 0x9F34, Name: "Cardholder Verification Method (CVM) Results", Source: SourceTerminal, Format: Binary, Min: 3, Max: 3}
	TagTerminalType        = Tag{ID: 0x9F35, Name: "Terminal Type", Source: SourceTerminal, Format: Numeric, Min: 1, Max: 1}
	TagATC                 = Tag{ID: 0x9F36, Name: "Application Transaction Counter (ATC)", Source: SourceCard, Format: Binary, Min: 2, Max: 2}
	TagUnpredictableNum    = Tag{ID: 0x9F37, Name: "Unpredictable Number", Source: SourceTerminal, Format: Binary, Min: 4, Max: 4}
	TagPDOL                = Tag{ID: 0x9F38, Name: "Processing Options Data Object List (PDOL)", Source: SourceCard, Format: Binary, Min: 0, Max: 252}
	TagPOSEntryMode        = Tag{ID: 0x9F39, Name: "Point-of-Service (POS) Entry Mode", Source: SourceTerminal, Format: Numeric, Min: 1, Max: 1}
	TagAdditionalTermCaps  = Tag{ID: 0x9F40, Name: "Additional Terminal Capabilities", Source: SourceTerminal, Format: Binary, Min: 5, Max: 5}
	TagTransactionSeqCtr   = Tag{ID: 0x9F41, Name: "Transaction Sequence Counter", Source: SourceTerminal, Format: Numeric, Min: 2, Max: 4}
	TagAppCurrency         = Tag{ID: 0x9F42, Name: "Application Currency Code", Source: SourceCard, Format: Numeric, Min: 2, Max: 2}
	TagAppCurrencyExponent = Tag{ID: 0x9F44, Name: "Application Currency Exponent", Source: SourceCard, Format: Numeric, Min: 1, Max: 1}
	TagDataAuthCode        = Tag{ID: 0x9F45, Name: "Data Authentication Code", Source: SourceCard, Format: Binary, Min: 2, Max: 2}
	TagICCPKCert           = Tag{ID: 0x9F46, Name: "ICC Public Key Certificate", Source: SourceCard, Format: Binary, Min: 0, Max: 248}
	TagICCPKExponent       = Tag{ID: 0x9F47, Name: "ICC Public Key Exponent", Source: SourceCard, Format: Binary, Min: 1, Max: 3}
	TagICCPKRemainder      = Tag{ID: 0x9F48, Name: "ICC Public Key Remainder", Source: SourceCard, Format: Binary, Min: 0, Max: 248}
	TagDDOL                = Tag{ID: 0x9F49, Name: "Dynamic Data Authentication Data Object List (DDOL)", Source: SourceCard, Format: Binary, Min: 0, Max: 252}
	TagSDATagList          = Tag{ID: 0x9F4A, Name: "Static Data Authentication Tag List", Source: SourceCard, Format: Binary, Min: 0, Max: 252}
	TagSDAD                = Tag{ID: 0x9F4B, Name: "Signed Dynamic Application Data", Source: SourceCard, Format: Binary, Min: 0, Max: 248}
	TagICCDynamicNumber    = Tag{ID: 0x9F4C, Name: "ICC Dynamic Number", Source: SourceCard, Format: Binary, Min: 2, Max: 8}
	TagMerchantNameLoc     = Tag{ID: 0x9F4E, Name: "Merchant Name and Location", Source: SourceTerminal, Format: AlphanumericSpecial, Min: 0, Max: 252}
	TagTransactionCategory = Tag{ID: 0x9F53, Name: "Transaction Category Code", Source: SourceTerminal, Format: Alphanumeric, Min: 1, Max: 1}
	TagIssuerScriptResults = Tag{ID: 0x9F5B, Name: "Issuer Script Results", Source: SourceTerminal, Format: Binary, Min: 0, Max: 252}
	TagTTQ                 = Tag{ID: 0x9F66, Name: "Terminal Transaction Qualifiers (TTQ)", Source: SourceTerminal, Format: Binary, Min: 4, Max: 4}
	TagCTQ                 = Tag{ID: 0x9F6C, Name: "Card Transaction Qualifiers (CTQ)", Source: SourceCard, Format: Binary, Min: 2, Max: 2}
	TagSchemeData9F6E      = Tag{ID: 0x9F6E, Name: "Scheme Proprietary Data (9F6E)", Source: SourceCard, Format: Binary, Min: 0, Max: 32}
	TagFCIIssuerDiscr      = Tag{ID: 0xBF0C, Name: "FCI Issuer Discretionary Data", Source: SourceCard, Format: Constructed, Min: 0, Max: 222}

	// Mastercard contactless reader kernel database.
	TagReaderFloorLimit     = Tag{ID: 0xDF8123, Name: "Reader Contactless Floor Limit", Source: SourceTerminal, Format: Numeric, Min: 6, Max: 6}
	TagReaderCLLimitNoCDCVM = Tag{ID: 0xDF8124, Name: "Reader Contactless Transaction Limit (No On-device CVM)", Source: SourceTerminal, Format: Numeric, Min: 6, Max: 6}
	TagReaderCLLimitCDCVM   = Tag{ID: 0xDF8125, Name: "Reader Contactless Transaction Limit (On-device CVM)", Source: SourceTerminal, Format: Numeric, Min: 6, Max: 6}
	TagReaderCVMLimit       = Tag{ID: 0xDF8126, Name: "Reader CVM Required Limit", Source: SourceTerminal, Format: Numeric, Min: 6, Max: 6}
)

var registered = []Tag{
	TagAID, TagAppLabel, TagTrack2Equivalent, TagPAN, TagAppTemplate, TagFCITemplate,
	TagReadRecordTemplate, TagResponseFormat2, TagResponseFormat1, TagAIP, TagCommandTemplate,
	TagDFName, TagAppPriority, TagSFI, TagAuthResponseCode, TagCDOL1, TagCDOL2, TagCVMList,
	TagCAPKIndex, TagIssuerPKCert, TagIssuerPKRemainder, TagSSAD, TagAFL, TagTVR, TagTDOL,
	TagTransactionDate, TagTSI, TagTransactionType, TagDDFName, TagFCIProprietary,
	TagCardholderName, TagExpirationDate, TagEffectiveDate, TagIssuerCountry,
	TagTransactionCurrency, TagLanguagePreference, TagServiceCode, TagPANSequence,
	TagCurrencyExponent, TagAcquirerID, TagAmountAuthorised, TagAmountOther, TagAIDTerminal,
	TagAUC, TagAppVersionICC, TagAppVersionTerminal, TagIACDefault, TagIACDenial, TagIACOnline,
	TagIAD, TagIssuerCodeTable, TagAppPreferredName, TagLastOnlineATC, TagLowerOfflineLimit,
	TagMCC, TagMerchantID, TagPINTryCounter, TagTerminalCountry, TagTerminalFloorLimit,
	TagTerminalID, TagIFDSerial, TagTrack1Discretionary, TagTransactionTime, TagAppCryptogram,
	TagCID, TagKernelIdentifier, TagIssuerPKExponent, TagTerminalCaps, TagCVMResults,
	TagTerminalType, TagATC, TagUnpredictableNum, TagPDOL, TagPOSEntryMode,
	TagAdditionalTermCaps, TagTransactionSeqCtr, TagAppCurrency, TagAppCurrencyExponent,
	TagDataAuthCode, TagICCPKCert, TagICCPKExponent, TagICCPKRemainder, TagDDOL,
	TagSDATagList, TagSDAD, TagICCDynamicNumber, TagMerchantNameLoc, TagTransactionCategory,
	TagIssuerScriptResults, TagTTQ, TagCTQ, TagSchemeData9F6E, TagFCIIssuerDiscr,
	TagReaderFloorLimit, TagReaderCLLimitNoCDCVM, TagReaderCLLimitCDCVM, TagReaderCVMLimit,
}

var registry = func() map[uint32]Tag {
	m := make(map[uint32]Tag, len(registered))
	for _, t := range registered {
		m[t.ID] = t
	}
	return m
}()

// Lookup returns the registered tag for id. Unknown ids yield a null
// tag carrying the id and no length constraint.
func Lookup(id uint32) Tag {
	if t, ok := registry[id]; ok {
		return t
	}
	return Tag{ID: id, Max: 65535}
}
