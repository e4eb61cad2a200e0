package enrich

import (
	"testing"

	"github.com/ashureev/liverelay/internal/domain"
)

func TestStripReasoning(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "think", in: "<think>ignore</think>Bonjour!", want: "Bonjour!"},
		{name: "thinking multiline", in: "<thinking>\nstep 1\nstep 2\n</thinking>\n\nSalut à toi", want: "Salut à toi"},
		{name: "mixed case", in: "<Reasoning>x</REASONING>Merci", want: "Merci"},
		{name: "several variants", in: "<thought>a</thought>Un\n\n\n<think>b</think>\n\nDeux", want: "Un\n\nDeux"},
		{name: "attributes", in: `<think type="inner">x</think>ok`, want: "ok"},
		{name: "clean text untouched", in: "  Bonjour\n\n\nà tous  ", want: "  Bonjour\n\n\nà tous  "},
		{name: "only reasoning", in: "<think>x</think>", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := StripReasoning(tt.in)
			if got != tt.want {
				t.Errorf("StripReasoning(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if again := StripReasoning(got); again != got {
				t.Errorf("StripReasoning is not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestResponsePrompt(t *testing.T) {
	t.Parallel()

	got := ResponsePrompt(domain.ChatMessage{Nickname: "Bob", Comment: "salut"})
	if want := `Bob a dit : "salut"`; got != want {
		t.Errorf("ResponsePrompt() = %q, want %q", got, want)
	}

	got = ResponsePrompt(domain.ChatMessage{Nickname: "Bob", Comment: "@alice tu vas bien ?"})
	if want := `Bob a écrit à alice : "@alice tu vas bien ?"`; got != want {
		t.Errorf("ResponsePrompt(mention) = %q, want %q", got, want)
	}
}
