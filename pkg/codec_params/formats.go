package codec_params

import (
	"regexp"
	"strings"

	"github.com/arzzra/sip_negotiation/pkg/media_types"
)

// EventsParam имя неявного параметра со списком событий telephone-event
const EventsParam = "events"

var (
	genericParamRe = regexp.MustCompile(
		`^([-A-Za-z0-9!#$%&'*+.^_` + "`" + `{|}~]+)\s*=\s*([^;"\s]+|"(?:[^"\\]|\\.)*")\s*(?:;\s*|$)`)

	telephoneEventsRe = regexp.MustCompile(
		`^([0-9]+(?:-[0-9]+)?(?:,[0-9]+(?:-[0-9]+)?)*)\s*(?:;\s*|$)`)
)

// FormatGeneric объединяет параметры в виде name=value через ';'
func FormatGeneric(codec *media_types.Codec) string {
	return formatParams(codec.Params, "")
}

func formatParams(params []media_types.CodecParam, skip string) string {
	var sb strings.Builder
	for _, p := range params {
		if skip != "" && p.Name == skip {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(p.Name)
		sb.WriteByte('=')
		if needsQuoting(p.Value) {
			sb.WriteString(Quote(p.Value))
		} else {
			sb.WriteString(p.Value)
		}
	}
	return sb.String()
}

// ParseGeneric разбирает последовательность name=value; значение может
// быть токеном или строкой в кавычках с экранированием через '\'.
func ParseGeneric(codec *media_types.Codec, fmtp string) string {
	rest := strings.TrimSpace(fmtp)
	for rest != "" {
		m := genericParamRe.FindStringSubmatch(rest)
		if m == nil {
			return rest
		}
		value := m[2]
		if strings.HasPrefix(value, `"`) {
			value = Unquote(value)
		}
		codec.AddParam(m[1], value)
		rest = rest[len(m[0]):]
	}
	return ""
}

// FormatTelephoneEvent пишет список событий первым, без префикса name=,
// затем остальные параметры в общем формате.
func FormatTelephoneEvent(codec *media_types.Codec) string {
	events, ok := codec.Param(EventsParam)
	if !ok {
		return FormatGeneric(codec)
	}
	tail := formatParams(codec.Params, EventsParam)
	if tail == "" {
		return events
	}
	return events + ";" + tail
}

// ParseTelephoneEvent разбирает ведущий список диапазонов событий
// (например "0-15,66") и остаток в общем формате.
func ParseTelephoneEvent(codec *media_types.Codec, fmtp string) string {
	rest := strings.TrimSpace(fmtp)
	if m := telephoneEventsRe.FindStringSubmatch(rest); m != nil {
		codec.AddParam(EventsParam, m[1])
		rest = rest[len(m[0]):]
	}
	return ParseGeneric(codec, rest)
}

func needsQuoting(value string) bool {
	if value == "" {
		return true
	}
	return strings.ContainsAny(value, "; \t\r\n\v\f\"")
}

// Quote заключает строку в кавычки, экранируя управляющие символы
// (кроме CR и LF), кавычку и обратную косую черту.
func Quote(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if needsEscape(c) {
			sb.WriteByte('\\')
		}
		sb.WriteByte(c)
	}
	sb.WriteByte('"')
	return sb.String()
}

func needsEscape(c byte) bool {
	switch {
	case c == '\n' || c == '\r':
		return false
	case c < 0x20, c == 0x7f:
		return true
	case c == '"' || c == '\\':
		return true
	}
	return false
}

// Unquote снимает кавычки и экранирование. Строка без кавычек
// возвращается как есть.
func Unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	inner := s[1 : len(s)-1]
	var sb strings.Builder
	sb.Grow(len(inner))
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c == '\\' && i+1 < len(inner) {
			i++
			c = inner[i]
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
