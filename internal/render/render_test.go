package render

import (
	"encoding/json"
	"errors"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestRender(t *testing.T) {
	r := New()

	tests := []struct {
		name        string
		subject     *string
		body        string
		data        string
		wantSubject string
		wantBody    string
	}{
		{
			name:        "password reset",
			subject:     strPtr("Password reset request for {{ firstName }}"),
			body:        "Your code is {{otpCode}}",
			data:        `{"otpCode":"123456","firstName":"Ada"}`,
			wantSubject: "Password reset request for Ada",
			wantBody:    "Your code is 123456",
		},
		{
			name:     "nil subject renders empty",
			subject:  nil,
			body:     "Hello {{ name }}",
			data:     `{"name":"Bo"}`,
			wantBody: "Hello Bo",
		},
		{
			name:     "blank subject renders empty",
			subject:  strPtr("   "),
			body:     "x",
			data:     `{}`,
			wantBody: "x",
		},
		{
			name:     "missing key renders empty",
			body:     "Hi {{ missing }}!",
			data:     `{}`,
			wantBody: "Hi !",
		},
		{
			name:     "null data",
			body:     "static",
			data:     `null`,
			wantBody: "static",
		},
		{
			name:     "scalars",
			body:     "{{ n }} {{ f }} {{ b }} [{{ z }}]",
			data:     `{"n":42,"f":1.5,"b":true,"z":null}`,
			wantBody: "42 1.5 true []",
		},
		{
			name:     "object becomes text",
			body:     "{{ obj }}",
			data:     `{"obj":{"a": 1}}`,
			wantBody: `{"a":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, body, err := r.Render(tt.subject, &tt.body, json.RawMessage(tt.data))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if subject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", subject, tt.wantSubject)
			}
			if body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestRender_NilBody(t *testing.T) {
	r := New()

	_, _, err := r.Render(strPtr("s"), nil, json.RawMessage(`{}`))
	if !errors.Is(err, ErrBodyNotFound) {
		t.Errorf("expected ErrBodyNotFound, got %v", err)
	}
}

func TestRender_InvalidData(t *testing.T) {
	r := New()
	body := "x"

	if _, _, err := r.Render(nil, &body, json.RawMessage(`[1,2]`)); err == nil {
		t.Error("expected error for non-object data")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want any
		kind Kind
	}{
		{`"abc"`, "abc", KindString},
		{`7`, int64(7), KindInt},
		{`-3`, int64(-3), KindInt},
		{`2.25`, 2.25, KindFloat},
		{`1e3`, 1000.0, KindFloat},
		{`false`, false, KindBool},
		{`null`, nil, KindNull},
		{`[1, 2]`, "[1,2]", KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			raw := json.RawMessage(tt.in)
			if got := KindOf(raw); got != tt.kind {
				t.Errorf("KindOf = %v, want %v", got, tt.kind)
			}
			if got := Normalize(raw); got != tt.want {
				t.Errorf("Normalize = %#v, want %#v", got, tt.want)
			}
		})
	}
}
