package actions

import (
	"sort"
	"strconv"
	"strings"
)

// Op is the operation an instruction requests.
type Op int

const (
	OpUnknown Op = iota
	OpAdd
	OpUpdate
	OpDelete
)

// Instruction is one decoded mini-language line.
type Instruction struct {
	Op    Op
	ID    int64
	HasID bool
	Attrs AttrMap
	Raw   string
}

// AttrMap maps attribute names to parsed values.
type AttrMap map[string]Value

// Attribute names that are categorical and must never be coerced to
// numbers, even when the model emits numeric-looking text for them.
var categoricalKeys = map[string]bool{
	"cost_type": true,
	"unit_type": true,
	"status":    true,
}

// Parse decodes one instruction line. It never fails: malformed input
// yields OpUnknown or a partial attribute map, and the caller reports the
// line-level problem.
func Parse(raw string) Instruction {
	inst := Instruction{Raw: raw, Attrs: AttrMap{}}

	s := strings.TrimSpace(raw)
	if s == "" {
		return inst
	}

	switch s[0] {
	case '+':
		inst.Op = OpAdd
	case '-':
		inst.Op = OpDelete
	default:
		return inst
	}
	s = strings.TrimSpace(s[1:])

	// A leading ID:<digits> names the target of an update or delete.
	if rest, id, ok := consumeID(s); ok {
		inst.ID = id
		inst.HasID = true
		s = rest
		if inst.Op == OpAdd {
			inst.Op = OpUpdate
		}
	}

	if inst.Op != OpDelete {
		inst.Attrs = ParseAttrs(s)
	}
	return inst
}

func consumeID(s string) (rest string, id int64, ok bool) {
	const prefix = "ID:"
	if !strings.HasPrefix(strings.ToUpper(s), prefix) {
		return s, 0, false
	}
	body := s[len(prefix):]
	i := 0
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		i++
	}
	if i == 0 {
		return s, 0, false
	}
	id, err := strconv.ParseInt(body[:i], 10, 64)
	if err != nil {
		return s, 0, false
	}
	rest = strings.TrimSpace(body[i:])
	rest = strings.TrimPrefix(rest, ",")
	return strings.TrimSpace(rest), id, true
}

// ParseAttrs tokenizes `key=value, key=value` pairs. Quoted spans (single
// or double) protect commas and equals signs; a backslash escapes the next
// character inside a quoted span. Keys with no following `=` are skipped.
func ParseAttrs(s string) AttrMap {
	attrs := AttrMap{}

	var key, val strings.Builder
	var quote byte
	inValue := false
	escaped := false
	quoted := false // the current value started with a quote

	flush := func() {
		k := strings.TrimSpace(key.String())
		if inValue && k != "" {
			attrs[k] = coerce(k, strings.TrimSpace(val.String()), quoted)
		}
		key.Reset()
		val.Reset()
		inValue = false
		quoted = false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			val.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case quote != 0:
			if c == '\\' {
				escaped = true
			} else if c == quote {
				quote = 0
				val.WriteByte(c)
			} else {
				val.WriteByte(c)
			}
		case c == '\'' || c == '"':
			if inValue {
				quote = c
				if strings.TrimSpace(val.String()) == "" {
					quoted = true
					val.Reset()
				}
				val.WriteByte(c)
			} else {
				key.WriteByte(c)
			}
		case c == '=' && !inValue:
			inValue = true
		case c == ',':
			flush()
		default:
			if inValue {
				val.WriteByte(c)
			} else {
				key.WriteByte(c)
			}
		}
	}
	flush()
	return attrs
}

// coerce applies the typing rules: matching surrounding quotes yield a
// string with the quotes stripped; true/false yield booleans; text that
// parses entirely as a number yields a number, unless the key is
// categorical.
func coerce(key, text string, startedQuoted bool) Value {
	if n := len(text); n >= 2 {
		first, last := text[0], text[n-1]
		if (first == '\'' || first == '"') && last == first {
			return String(text[1 : n-1])
		}
	}
	if startedQuoted {
		// Unterminated quote: keep the literal content.
		return String(strings.TrimLeft(text, `'"`))
	}
	if categoricalKeys[key] {
		return String(text)
	}
	switch strings.ToLower(text) {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return Number(f)
	}
	return String(text)
}

// Serialize renders an attribute map back to the `key=value, ...` form,
// quoting strings that contain delimiters. Keys are sorted so the output
// is stable.
func Serialize(attrs AttrMap) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(renderValue(k, attrs[k]))
	}
	return b.String()
}

func renderValue(key string, v Value) string {
	if v.Kind != KindString {
		return v.Text()
	}
	s := v.Str
	if categoricalKeys[key] && !needsQuoting(s) {
		return s
	}
	if needsQuoting(s) || numericLooking(s) {
		return "'" + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`) + "'"
	}
	return "'" + s + "'"
}

func needsQuoting(s string) bool {
	return strings.ContainsAny(s, ",='\"")
}

func numericLooking(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
