package llm

import (
	"errors"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "bare object", input: `{"safe": true}`, want: `{"safe": true}`},
		{name: "prose around", input: "Sure! Here it is: {\"safe\": false} hope that helps", want: `{"safe": false}`},
		{name: "code fence", input: "```json\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "nested", input: `x {"a": {"b": 2}} y {"c": 3}`, want: `{"a": {"b": 2}}`},
		{name: "brace in string", input: `{"text": "use } carefully"}`, want: `{"text": "use } carefully"}`},
		{name: "escaped quote", input: `{"text": "say \"}\" now"}`, want: `{"text": "say \"}\" now"}`},
		{name: "trailing comma", input: `{"a": [1, 2,], }`, want: `{"a": [1, 2]}`},
		{name: "trailing comma across lines", input: "{\"a\": 1,\n}", want: `{"a": 1}`},
		{name: "comma inside string kept", input: `{"reasoning": "lists like [1, 2, ] are fine"}`, want: `{"reasoning": "lists like [1, 2, ] are fine"}`},
		{name: "string kept and trailing comma dropped", input: `{"criteria_met": ["uses {a, }",],}`, want: `{"criteria_met": ["uses {a, }"]}`},
		{name: "unclosed then closed", input: `{ broken {"ok": true}`, want: `{"ok": true}`},
		{name: "no object", input: "I cannot answer that.", want: ""},
		{name: "unbalanced", input: `{"a": 1`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractJSON(tt.input); got != tt.want {
				t.Fatalf("ExtractJSON(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	var v struct {
		Safe     bool   `json:"safe"`
		Severity string `json:"severity"`
	}
	if err := DecodeJSON("verdict:\n{\"safe\": false, \"severity\": \"high\"}", &v); err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	if v.Safe || v.Severity != "high" {
		t.Fatalf("unexpected decode: %+v", v)
	}

	var r struct {
		Reasoning string `json:"reasoning"`
	}
	if err := DecodeJSON(`{"reasoning": "lists like [1, 2, ] are fine",}`, &r); err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	if r.Reasoning != "lists like [1, 2, ] are fine" {
		t.Fatalf("string content changed: %q", r.Reasoning)
	}

	if err := DecodeJSON("nothing here", &v); !errors.Is(err, ErrNoJSON) {
		t.Fatalf("expected ErrNoJSON, got %v", err)
	}
	if err := DecodeJSON(`{"safe": "maybe"}`, &v); err == nil {
		t.Fatal("expected type error for non-bool safe")
	}
}
