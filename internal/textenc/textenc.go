// Package textenc turns raw chunk bytes into UTF-8 text for the stream's
// encoding option. Each chunk is decoded on its own, so a multi-byte
// character split across a chunk boundary decodes as replacement characters.
package textenc

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// ErrUnknownEncoding is returned by Lookup for names it cannot resolve.
var ErrUnknownEncoding = errors.New("textenc: unknown encoding")

// Decoder converts one chunk to UTF-8 text.
type Decoder func([]byte) ([]byte, error)

// Lookup resolves an encoding name. Besides the usual short names
// (utf8, latin1, ascii, ucs2, utf16le, hex, base64) any WHATWG label such as
// "shift_jis" or "windows-1251" is accepted. An empty name returns nil.
func Lookup(name string) (Decoder, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "":
		return nil, nil
	case "utf8", "utf-8":
		return fromEncoding(unicode.UTF8), nil
	case "latin1", "binary":
		return fromEncoding(charmap.ISO8859_1), nil
	case "ascii", "us-ascii":
		// 7-bit: the high bit of every byte is dropped.
		return func(b []byte) ([]byte, error) {
			out := make([]byte, len(b))
			for i, c := range b {
				out[i] = c & 0x7f
			}
			return out, nil
		}, nil
	case "ucs2", "ucs-2", "utf16le", "utf-16le":
		return fromEncoding(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)), nil
	case "hex":
		return func(b []byte) ([]byte, error) {
			out := make([]byte, hex.EncodedLen(len(b)))
			hex.Encode(out, b)
			return out, nil
		}, nil
	case "base64":
		return func(b []byte) ([]byte, error) {
			out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
			base64.StdEncoding.Encode(out, b)
			return out, nil
		}, nil
	}

	enc, err := htmlindex.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
	return fromEncoding(enc), nil
}

func fromEncoding(enc encoding.Encoding) Decoder {
	return func(b []byte) ([]byte, error) {
		out, err := enc.NewDecoder().Bytes(b)
		if err != nil {
			return nil, fmt.Errorf("textenc: decode: %w", err)
		}
		return out, nil
	}
}
