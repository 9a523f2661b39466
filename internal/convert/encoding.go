package convert

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Encoding hints understood by the unflattening tool.
const (
	EncodingUTF8Sig = "utf-8-sig"
	EncodingCP1252  = "cp1252"
	EncodingLatin1  = "latin_1"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DetectEncoding picks the first encoding in utf-8-sig, cp1252, latin_1 that decodes data
// without error. Latin-1 accepts every byte sequence.
func DetectEncoding(data []byte) string {
	if utf8.Valid(bytes.TrimPrefix(data, utf8BOM)) {
		return EncodingUTF8Sig
	}
	if decodesAsCP1252(data) {
		return EncodingCP1252
	}
	return EncodingLatin1
}

// decodesAsCP1252 rejects the five bytes Windows-1252 leaves undefined. The WHATWG table behind
// charmap maps them onto C1 controls instead of failing.
func decodesAsCP1252(data []byte) bool {
	for _, b := range data {
		if b < 0x80 {
			continue
		}
		r := charmap.Windows1252.DecodeByte(b)
		if r == utf8.RuneError || (r >= 0x80 && r <= 0x9F) {
			return false
		}
	}
	return true
}
