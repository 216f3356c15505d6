package cvm

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/tapforge/softpos/secmem"
)

// PIN block formats per ISO 9564-1.
type PinFormat int

const (
	PinFormat0 PinFormat = 0
	PinFormat4 PinFormat = 4
)

var ErrBadPIN = errors.New("cvm: PIN must be 4 to 12 digits")

func pinDigits(pin string) ([]byte, error) {
	if len(pin) < 4 || len(pin) > 12 {
		return nil, ErrBadPIN
	}
	out := make([]byte, len(pin))
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return nil, ErrBadPIN
		}
		out[i] = pin[i] - '0'
	}
	return out, nil
}

// PinBlock0 builds an ISO format 0 block: the PIN field
// 0 | len | digits | F-pad is XORed with the PAN field 0000 followed
// by the twelve rightmost PAN digits excluding the check digit. The
// result lives in a secure buffer the caller must release.
func PinBlock0(pin, pan string) (*secmem.Buffer, error) {
	digits, err := pinDigits(pin)
	if err != nil {
		return nil, err
	}
	if len(pan) < 13 {
		return nil, fmt.Errorf("cvm: PAN too short for format 0 block")
	}

	pinField := [8]byte{0: byte(len(digits))}
	for i := 1; i < 8; i++ {
		pinField[i] = 0xFF
	}
	for i, d := range digits {
		if i%2 == 0 {
			pinField[1+i/2] = d<<4 | 0x0F
		} else {
			pinField[1+i/2] = pinField[1+i/2]&0xF0 | d
		}
	}

	// Twelve rightmost digits excluding the check digit.
	panPart := pan[len(pan)-13 : len(pan)-1]
	var panField [8]byte
	for i := 0; i < 12; i++ {
		d := panPart[i] - '0'
		if d > 9 {
			return nil, fmt.Errorf("cvm: PAN is not numeric")
		}
		if i%2 == 0 {
			panField[2+i/2] = d << 4
		} else {
			panField[2+i/2] |= d
		}
	}

	block := make([]byte, 8)
	for i := range block {
		block[i] = pinField[i] ^ panField[i]
	}
	buf := secmem.New(block)
	for i := range block {
		block[i] = 0
	}
	return buf, nil
}

// PinBlock4 builds an ISO format 4 block: control nibble 0x4, length
// nibble, PIN digits, then random padding out to 16 bytes, ready for
// AES encipherment.
func PinBlock4(pin string) (*secmem.Buffer, error) {
	digits, err := pinDigits(pin)
	if err != nil {
		return nil, err
	}
	block := make([]byte, 16)
	if _, err := rand.Read(block); err != nil {
		return nil, err
	}
	block[0] = 0x40 | byte(len(digits))
	for i, d := range digits {
		if i%2 == 0 {
			block[1+i/2] = block[1+i/2]&0x0F | d<<4
		} else {
			block[1+i/2] = block[1+i/2]&0xF0 | d
		}
	}
	buf := secmem.New(block)
	for i := range block {
		block[i] = 0
	}
	return buf, nil
}
