// Package nexa handles amount representation for the NEXA asset.
//
// All arithmetic and comparisons inside the service use int64 satoshis
// (the smallest unit). Conversion to the human display unit happens only
// at the API boundary, through this package.
package nexa

import (
	"fmt"
	"strings"
)

// SatoshisPerNEXA is the number of satoshis in one display NEXA.
const SatoshisPerNEXA = 100

// FormatNEXA renders an integer satoshi amount as a display NEXA string,
// e.g. 100000 -> "1000", 12345 -> "123.45".
func FormatNEXA(satoshis int64) string {
	neg := ""
	if satoshis < 0 {
		neg = "-"
		satoshis = -satoshis
	}
	whole := satoshis / SatoshisPerNEXA
	frac := satoshis % SatoshisPerNEXA
	if frac == 0 {
		return fmt.Sprintf("%s%d", neg, whole)
	}
	s := fmt.Sprintf("%s%d.%02d", neg, whole, frac)
	return strings.TrimRight(s, "0")
}

// ToSatoshis converts a whole display NEXA count to satoshis.
func ToSatoshis(nexa int64) int64 {
	return nexa * SatoshisPerNEXA
}
