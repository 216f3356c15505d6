// Package emvcrypto is the narrow boundary between the kernels and
// the cryptographic primitives: offline data authentication, block
// ciphers for PIN and cryptogram work, hashing and randomness.
package emvcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/des"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// ErrCrypto is wrapped by every failure caused by invalid key
// material or a failed verification.
var ErrCrypto = errors.New("emvcrypto: verification failed")

// HashAlgo selects the digest for Hash.
type HashAlgo byte

const (
	SHA1   HashAlgo = 0x01
	SHA256 HashAlgo = 0x02
)

// CAPublicKey is one certification authority key, looked up by the
// RID of the application and the index the card names in tag 8F.
type CAPublicKey struct {
	RID      []byte
	Index    byte
	Modulus  []byte
	Exponent []byte
}

// KeyStore resolves CA public keys. A missing key is not an error;
// the kernel skips offline authentication and flags it in the TVR.
type KeyStore interface {
	Get(rid []byte, index byte) (CAPublicKey, bool)
}

// StaticKeyStore is a fixed in-memory key table, loaded once at
// start-up.
type StaticKeyStore struct {
	keys map[string]CAPublicKey
}

func NewStaticKeyStore(keys []CAPublicKey) *StaticKeyStore {
	m := make(map[string]CAPublicKey, len(keys))
	for _, k := range keys {
		m[keyID(k.RID, k.Index)] = k
	}
	return &StaticKeyStore{keys: m}
}

func keyID(rid []byte, index byte) string {
	return fmt.Sprintf("%x/%02x", rid, index)
}

func (s *StaticKeyStore) Get(rid []byte, index byte) (CAPublicKey, bool) {
	k, ok := s.keys[keyID(rid, index)]
	return k, ok
}

// Provider is everything the kernels ask of the crypto layer.
type Provider interface {
	// VerifySDA recovers the issuer key from its certificate and checks
	// the signed static application data over staticData.
	VerifySDA(ca CAPublicKey, issuerCert, issuerRemainder, issuerExponent, ssad, staticData []byte) error
	// VerifyDDA additionally recovers the ICC key and checks the signed
	// dynamic data over the DDOL stream.
	VerifyDDA(ca CAPublicKey, issuerCert, issuerRemainder, issuerExponent, iccCert, iccRemainder, iccExponent, sdad, dynamicData []byte) error
	// VerifyCDA checks the combined signature produced with GENERATE AC.
	VerifyCDA(ca CAPublicKey, issuerCert, issuerRemainder, issuerExponent, iccCert, iccRemainder, iccExponent, sdad, transactionData []byte) error
	// EncryptTDES runs one 3DES-ECB block operation (PIN blocks).
	EncryptTDES(block, key []byte) ([]byte, error)
	// EncryptAESECB runs one AES-ECB block operation.
	EncryptAESECB(block, key []byte) ([]byte, error)
	// Random returns n cryptographically random bytes.
	Random(n int) ([]byte, error)
	// Hash digests data with the selected algorithm.
	Hash(algo HashAlgo, data []byte) []byte
}

// StdProvider implements Provider on the standard library primitives.
type StdProvider struct{}

// recoverSigned performs the raw RSA operation data^exp mod modulus and
// checks the EMV recoverable-message frame (0x6A ... 0xBC).
func recoverSigned(data, modulus, exponent []byte) ([]byte, error) {
	if len(data) != len(modulus) {
		return nil, fmt.Errorf("%w: signature length %d differs from modulus %d", ErrCrypto, len(data), len(modulus))
	}
	n := new(big.Int).SetBytes(modulus)
	if n.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero modulus", ErrCrypto)
	}
	e := new(big.Int).SetBytes(exponent)
	m := new(big.Int).Exp(new(big.Int).SetBytes(data), e, n)
	out := m.FillBytes(make([]byte, len(modulus)))
	if out[0] != 0x6A || out[len(out)-1] != 0xBC {
		return nil, fmt.Errorf("%w: bad recoverable frame", ErrCrypto)
	}
	return out, nil
}

// issuerKey recovers the issuer public key from its certificate
// (format 0x02) under the CA key.
func issuerKey(ca CAPublicKey, cert, remainder, exponent []byte) (modulus []byte, err error) {
	rec, err := recoverSigned(cert, ca.Modulus, ca.Exponent)
	if err != nil {
		return nil, err
	}
	if rec[1] != 0x02 {
		return nil, fmt.Errorf("%w: not an issuer certificate", ErrCrypto)
	}
	keyLen := int(rec[13])
	body := rec[15 : len(rec)-21]
	if keyLen <= len(body) {
		modulus = append([]byte(nil), body[:keyLen]...)
	} else {
		modulus = append(append([]byte(nil), body...), remainder...)
		if len(modulus) != keyLen {
			return nil, fmt.Errorf("%w: issuer key remainder mismatch", ErrCrypto)
		}
	}
	if len(exponent) == 0 {
		return nil, fmt.Errorf("%w: missing issuer exponent", ErrCrypto)
	}
	return modulus, nil
}

// iccKey recovers the ICC public key from its certificate (format
// 0x04) under the issuer key.
func iccKey(issuerModulus, issuerExponent, cert, remainder, exponent []byte) ([]byte, error) {
	rec, err := recoverSigned(cert, issuerModulus, issuerExponent)
	if err != nil {
		return nil, err
	}
	if rec[1] != 0x04 {
		return nil, fmt.Errorf("%w: not an ICC certificate", ErrCrypto)
	}
	keyLen := int(rec[19])
	body := rec[21 : len(rec)-21]
	var modulus []byte
	if keyLen <= len(body) {
		modulus = append([]byte(nil), body[:keyLen]...)
	} else {
		modulus = append(append([]byte(nil), body...), remainder...)
		if len(modulus) != keyLen {
			return nil, fmt.Errorf("%w: ICC key remainder mismatch", ErrCrypto)
		}
	}
	if len(exponent) == 0 {
		return nil, fmt.Errorf("%w: missing ICC exponent", ErrCrypto)
	}
	return modulus, nil
}

func (StdProvider) VerifySDA(ca CAPublicKey, issuerCert, issuerRemainder, issuerExponent, ssad, staticData []byte) error {
	issuerMod, err := issuerKey(ca, issuerCert, issuerRemainder, issuerExponent)
	if err != nil {
		return err
	}
	rec, err := recoverSigned(ssad, issuerMod, issuerExponent)
	if err != nil {
		return err
	}
	if rec[1] != 0x03 {
		return fmt.Errorf("%w: not signed static data", ErrCrypto)
	}
	// Hash covers the recovered body plus the static data stream.
	sum := sha1.Sum(append(append([]byte(nil), rec[1:len(rec)-21]...), staticData...))
	if !bytes.Equal(sum[:], rec[len(rec)-21:len(rec)-1]) {
		return fmt.Errorf("%w: static data hash mismatch", ErrCrypto)
	}
	return nil
}

func (StdProvider) VerifyDDA(ca CAPublicKey, issuerCert, issuerRemainder, issuerExponent, iccCert, iccRemainder, iccExponent, sdad, dynamicData []byte) error {
	return verifyDynamic(ca, issuerCert, issuerRemainder, issuerExponent, iccCert, iccRemainder, iccExponent, sdad, dynamicData)
}

func (StdProvider) VerifyCDA(ca CAPublicKey, issuerCert, issuerRemainder, issuerExponent, iccCert, iccRemainder, iccExponent, sdad, transactionData []byte) error {
	return verifyDynamic(ca, issuerCert, issuerRemainder, issuerExponent, iccCert, iccRemainder, iccExponent, sdad, transactionData)
}

func verifyDynamic(ca CAPublicKey, issuerCert, issuerRemainder, issuerExponent, iccCert, iccRemainder, iccExponent, sdad, dynamicData []byte) error {
	issuerMod, err := issuerKey(ca, issuerCert, issuerRemainder, issuerExponent)
	if err != nil {
		return err
	}
	iccMod, err := iccKey(issuerMod, issuerExponent, iccCert, iccRemainder, iccExponent)
	if err != nil {
		return err
	}
	rec, err := recoverSigned(sdad, iccMod, iccExponent)
	if err != nil {
		return err
	}
	if rec[1] != 0x05 {
		return fmt.Errorf("%w: not signed dynamic data", ErrCrypto)
	}
	sum := sha1.Sum(append(append([]byte(nil), rec[1:len(rec)-21]...), dynamicData...))
	if !bytes.Equal(sum[:], rec[len(rec)-21:len(rec)-1]) {
		return fmt.Errorf("%w: dynamic data hash mismatch", ErrCrypto)
	}
	return nil
}

func (StdProvider) EncryptTDES(block, key []byte) ([]byte, error) {
	if len(block) != des.BlockSize {
		return nil, fmt.Errorf("%w: block must be %d bytes", ErrCrypto, des.BlockSize)
	}
	if len(key) == 16 { // two-key 3DES: K1 K2 K1
		key = append(append([]byte(nil), key...), key[:8]...)
	}
	c, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	out := make([]byte, des.BlockSize)
	c.Encrypt(out, block)
	return out, nil
}

func (StdProvider) EncryptAESECB(block, key []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(block)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: block must be a multiple of %d bytes", ErrCrypto, aes.BlockSize)
	}
	out := make([]byte, len(block))
	for i := 0; i < len(block); i += aes.BlockSize {
		c.Encrypt(out[i:i+aes.BlockSize], block[i:i+aes.BlockSize])
	}
	return out, nil
}

func (StdProvider) Random(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (StdProvider) Hash(algo HashAlgo, data []byte) []byte {
	switch algo {
	case SHA256:
		sum := sha256.Sum256(data)
		return sum[:]
	default:
		sum := sha1.Sum(data)
		return sum[:]
	}
}
