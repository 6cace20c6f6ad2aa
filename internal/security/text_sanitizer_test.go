package security

import (
	"strings"
	"testing"
)

func TestPlainText_StripsTagsAndEscapes(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name         string
		input        string
		wantContains []string
		wantAbsent   []string
	}{
		{
			name:         "通常のユーザー名はそのまま",
			input:        "ghost_trader",
			wantContains: []string{"ghost_trader"},
		},
		{
			name:       "タグは除去される",
			input:      `<b>admin</b><script>alert(1)</script>`,
			wantAbsent: []string{"<b>", "<script>", "alert(1)"},
		},
		{
			name:         "特殊文字はエスケープされる",
			input:        "Tom & Jerry",
			wantContains: []string{"Tom &amp; Jerry"},
		},
		{
			name:         "絵文字と非ASCII文字は保持される",
			input:        "José 👻",
			wantContains: []string{"José 👻"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.PlainText(tt.input)
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("PlainText(%q) = %q, want to contain %q", tt.input, got, want)
				}
			}
			for _, absent := range tt.wantAbsent {
				if strings.Contains(got, absent) {
					t.Errorf("PlainText(%q) = %q, must not contain %q", tt.input, got, absent)
				}
			}
		})
	}
}

func TestMessage_AllowedFormatting(t *testing.T) {
	s := NewTextSanitizer()

	in := `<b>Link de pago</b>: <a href="https://nowpayments.io/payment/?iid=123">pagar</a>`
	got := s.Message(in)

	for _, want := range []string{"<b>", "</b>", `href="https://nowpayments.io/payment/?iid=123"`, "pagar"} {
		if !strings.Contains(got, want) {
			t.Errorf("Message() = %q, want to contain %q", got, want)
		}
	}
}

func TestMessage_RemovesUnsafeMarkup(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name   string
		input  string
		absent string
	}{
		{"scriptタグ", `<script>alert(1)</script>hola`, "<script"},
		{"javascriptスキーム", `<a href="javascript:alert(1)">x</a>`, "javascript:"},
		{"httpスキーム", `<a href="http://evil.example.com">x</a>`, "http://evil.example.com"},
		{"on*属性", `<b onclick="alert(1)">x</b>`, "onclick"},
		{"許可外タグ", `<div>x</div>`, "<div>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Message(tt.input); strings.Contains(got, tt.absent) {
				t.Errorf("Message(%q) = %q, must not contain %q", tt.input, got, tt.absent)
			}
		})
	}
}

func TestMessage_Idempotent(t *testing.T) {
	s := NewTextSanitizer()

	in := "¡Hola <b>José</b>!\nTu membresía expira el: 01/04/2026 09:30"
	once := s.Message(in)
	twice := s.Message(once)
	if once != twice {
		t.Errorf("Message is not idempotent:\n once: %q\ntwice: %q", once, twice)
	}
	if !strings.Contains(once, "\n") {
		t.Errorf("Message should keep newlines: %q", once)
	}
}
