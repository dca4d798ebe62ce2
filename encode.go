package csvz

import (
	"fmt"
	"strconv"
	"strings"
)

// needsQuotes matches what the encoder escapes: comma, quote, CR and LF.
const needsQuotes = ",\"\r\n"

// Encode serializes one row into a single CSV record terminated by CRLF.
// A field containing a comma, a double quote or a line break is wrapped in
// quotes with internal quotes doubled; everything else is written verbatim.
//
//	Encode(Row{"a,bc", `12"3`}) == "\"a,bc\",\"12\"\"3\"\r\n"
//	Encode(Row{""})             == "\r\n"
func Encode(row Row) string {
	var b strings.Builder
	for i, f := range row {
		if i > 0 {
			b.WriteByte(',')
		}
		writeField(&b, Stringify(f))
	}
	b.WriteString("\r\n")
	return b.String()
}

// EncodeStrings is Encode for decoded records.
func EncodeStrings(fields []string) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		writeField(&b, f)
	}
	b.WriteString("\r\n")
	return b.String()
}

func writeField(b *strings.Builder, s string) {
	if !strings.ContainsAny(s, needsQuotes) {
		b.WriteString(s)
		return
	}
	b.WriteByte('"')
	b.WriteString(strings.ReplaceAll(s, `"`, `""`))
	b.WriteByte('"')
}

// Stringify converts a field value into its CSV text. Strings pass through
// unchanged; numbers and booleans use their shortest exact form; nil is
// empty; anything else falls back to its display string.
func Stringify(v any) string {
	switch f := v.(type) {
	case nil:
		return ""
	case string:
		return f
	case []byte:
		return string(f)
	case error:
		return f.Error()
	case fmt.Stringer:
		return f.String()
	case bool:
		return strconv.FormatBool(f)
	case int:
		return strconv.Itoa(f)
	case int8:
		return strconv.FormatInt(int64(f), 10)
	case int16:
		return strconv.FormatInt(int64(f), 10)
	case int32:
		return strconv.FormatInt(int64(f), 10)
	case int64:
		return strconv.FormatInt(f, 10)
	case uint:
		return strconv.FormatUint(uint64(f), 10)
	case uint8:
		return strconv.FormatUint(uint64(f), 10)
	case uint16:
		return strconv.FormatUint(uint64(f), 10)
	case uint32:
		return strconv.FormatUint(uint64(f), 10)
	case uint64:
		return strconv.FormatUint(f, 10)
	case float32:
		return strconv.FormatFloat(float64(f), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(f, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
