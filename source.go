package csvz

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultChunkSize is the number of decoded bytes Chunks hands out at a time.
const DefaultChunkSize = 64 * 1024

// Encoding selects how input bytes are turned into text.
type Encoding int

// Supported input encodings. UTF8 also honours a UTF-16 byte order mark, so
// a UTF-16 file with a BOM decodes correctly even when UTF8 is selected.
const (
	UTF8 Encoding = iota
	UTF16LE
	UTF16BE
)

// String returns the canonical encoding name.
func (e Encoding) String() string {
	switch e {
	case UTF8:
		return "utf-8"
	case UTF16LE:
		return "utf-16le"
	case UTF16BE:
		return "utf-16be"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// ParseEncoding maps a configuration name onto an Encoding.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf8", "utf-8":
		return UTF8, nil
	case "utf16le", "utf-16le", "utf16", "utf-16":
		return UTF16LE, nil
	case "utf16be", "utf-16be":
		return UTF16BE, nil
	default:
		return UTF8, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

func (e Encoding) transformer() transform.Transformer {
	switch e {
	case UTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	case UTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
	default:
		return unicode.BOMOverride(unicode.UTF8.NewDecoder())
	}
}

// Chunks reads r and yields its text in chunks of roughly size bytes. Bytes
// are decoded from enc to UTF-8 and a chunk never ends inside a multi-byte
// character: an incomplete tail is carried over to the next chunk.
func Chunks(r io.Reader, enc Encoding, size int) iter.Seq2[string, error] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func(string, error) bool) {
		tr := transform.NewReader(r, enc.transformer())
		buf := make([]byte, size+utf8.UTFMax)
		carry := 0
		for {
			n, err := tr.Read(buf[carry : carry+size])
			n += carry
			cut := completePrefix(buf[:n])
			if cut > 0 {
				if !yield(string(buf[:cut]), nil) {
					return
				}
			}
			carry = copy(buf, buf[cut:n])

			if err == io.EOF {
				if carry > 0 {
					yield(string(buf[:carry]), nil)
				}
				return
			}
			if err != nil {
				yield("", err)
				return
			}
		}
	}
}

// completePrefix returns the length of the longest prefix of b that does not
// end in a truncated UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// Decode reads CSV from r and yields its rows, the entry point of every
// pipeline. Reading happens lazily as rows are pulled.
func Decode(ctx context.Context, r io.Reader, enc Encoding) Rows {
	return func(yield func(Row, error) bool) {
		for rec, err := range Records(ctx, Chunks(r, enc, DefaultChunkSize)) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec.Row(), nil) {
				return
			}
		}
	}
}
