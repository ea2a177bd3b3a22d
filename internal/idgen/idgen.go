// Package idgen generates the identifier formats defined in spec §6.2. The
// alphabets are deliberately OCR-safe or visually unambiguous and must be
// preserved exactly (spec §9 "OCR-safe alphabets").
package idgen

import (
	"crypto/rand"
	"fmt"
)

// zbase32Alphabet is Zooko's human-friendly base32 alphabet, used for
// session and alias ids.
const zbase32Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

// accountAlphabet is the 31-symbol alphabet used after the leading "A" in
// account ids (spec §3.5, §6.2).
const accountAlphabet = "0123456789abcdefghkmnpqrstuwxyz"

// sepaAlphabet is the 28-symbol OCR-safe alphabet for SEPA-refs; the first
// character is further restricted to the 18 letters in sepaFirstAlphabet.
const sepaAlphabet = "ABCDEGHJKLNRSTWXYZ0123456789"
const sepaFirstAlphabet = "ABCDEGHJKLNRSTWXYZ"

// randomBytes reads n cryptographically random bytes or panics: payproc
// treats a broken CSPRNG as a fatal environment error, never a recoverable
// one, the same way the journal treats a failed write as fatal (spec §4.5).
func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("idgen: crypto/rand failed: %v", err))
	}
	return b
}

// SessionID returns a fresh 32-character zbase32 id derived from 20 random
// bytes (spec §3.2, §6.2).
func SessionID() string {
	return zbase32FromBytes(randomBytes(20))
}

// AliasID returns a fresh 32-character zbase32 id (spec §3.3).
func AliasID() string {
	return SessionID()
}

// zbase32FromBytes renders exactly 32 zbase32 digits from 20 bytes (160
// bits, 5 bits per digit).
func zbase32FromBytes(b []byte) string {
	if len(b) != 20 {
		panic("idgen: zbase32FromBytes requires 20 bytes")
	}
	out := make([]byte, 32)
	acc := uint32(0)
	bits := 0
	bi := 0
	oi := 0
	for bi < len(b) {
		acc = (acc << 8) | uint32(b[bi])
		bits += 8
		bi++
		for bits >= 5 {
			bits -= 5
			idx := (acc >> uint(bits)) & 0x1f
			out[oi] = zbase32Alphabet[idx]
			oi++
		}
	}
	if bits > 0 {
		idx := (acc << uint(5-bits)) & 0x1f
		out[oi] = zbase32Alphabet[idx]
		oi++
	}
	return string(out[:32])
}

// AccountID returns a fresh 15-character account id: literal "A" followed
// by 14 symbols from the 31-char alphabet (spec §3.5, §6.2).
func AccountID() string {
	raw := randomBytes(14)
	out := make([]byte, 15)
	out[0] = 'A'
	n := len(accountAlphabet)
	for i, b := range raw {
		out[i+1] = accountAlphabet[int(b)%n]
	}
	return string(out)
}

// SepaRef returns a fresh 5-character SEPA-ref body (without the checksum
// suffix): a restricted first character plus 4 more from the full alphabet
// (spec §3.4, §6.2).
func SepaRef() string {
	raw := randomBytes(5)
	out := make([]byte, 5)
	out[0] = sepaFirstAlphabet[int(raw[0])%len(sepaFirstAlphabet)]
	for i := 1; i < 5; i++ {
		out[i] = sepaAlphabet[int(raw[i])%len(sepaAlphabet)]
	}
	return string(out)
}

// SepaRefNN returns a fresh 2-digit check suffix in [10,99] (spec §3.4).
func SepaRefNN() int {
	raw := randomBytes(1)
	return 10 + int(raw[0])%90
}
