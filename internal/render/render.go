// Package render turns Liquid subject and body templates into send-ready
// content.
package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/osteele/liquid"
)

// ErrBodyNotFound is returned when there is no body template to render.
var ErrBodyNotFound = errors.New("body template not found")

// Renderer renders Liquid templates against JSON template data. It is safe
// for concurrent use.
type Renderer struct {
	engine *liquid.Engine
}

// New creates a Renderer.
func New() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render renders the optional subject and the required body with data.
// A nil or blank subject renders as "". Keys missing from data render empty.
func (r *Renderer) Render(subject, body *string, data json.RawMessage) (string, string, error) {
	if body == nil {
		return "", "", ErrBodyNotFound
	}

	bindings, err := Bindings(data)
	if err != nil {
		return "", "", err
	}

	var renderedSubject string
	if subject != nil && len(bytes.TrimSpace([]byte(*subject))) > 0 {
		renderedSubject, err = r.render(*subject, bindings)
		if err != nil {
			return "", "", fmt.Errorf("render subject: %w", err)
		}
	}

	html, err := r.render(*body, bindings)
	if err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}

	return renderedSubject, html, nil
}

func (r *Renderer) render(src string, bindings liquid.Bindings) (string, error) {
	out, serr := r.engine.ParseAndRenderString(src, bindings)
	if serr != nil {
		return "", serr
	}
	return out, nil
}

// Bindings decodes a JSON object into Liquid bindings. Every top-level value
// is reduced to a scalar (see Normalize). Empty or null data yields no
// bindings.
func Bindings(data json.RawMessage) (liquid.Bindings, error) {
	bindings := liquid.Bindings{}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return bindings, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("decode template data: %w", err)
	}

	for k, v := range fields {
		bindings[k] = Normalize(v)
	}
	return bindings, nil
}

// Kind classifies a raw JSON value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindOther
)

// KindOf reports the kind of a raw JSON value from its first byte. Numbers
// that parse as int64 are KindInt.
func KindOf(v json.RawMessage) Kind {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return KindNull
	}

	switch c := v[0]; {
	case c == 'n':
		return KindNull
	case c == '"':
		return KindString
	case c == 't' || c == 'f':
		return KindBool
	case c == '-' || (c >= '0' && c <= '9'):
		if _, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return KindInt
		}
		return KindFloat
	default:
		return KindOther
	}
}

// Normalize converts a raw JSON value to a native scalar. Objects and
// arrays become their compact JSON text.
func Normalize(v json.RawMessage) any {
	v = bytes.TrimSpace(v)

	switch KindOf(v) {
	case KindString:
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	case KindInt:
		n, _ := strconv.ParseInt(string(v), 10, 64)
		return n
	case KindFloat:
		if f, err := strconv.ParseFloat(string(v), 64); err == nil {
			return f
		}
	case KindBool:
		return v[0] == 't'
	case KindNull:
		return nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}
