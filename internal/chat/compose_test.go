package chat

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/aloha-tutor/internal/domain"
)

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "none", in: "hello there", want: nil},
		{name: "single trailing", in: "What is 2+2? @bob", want: []string{"bob"}},
		{name: "order and duplicates", in: "@ann ask @bob and @ann", want: []string{"ann", "bob", "ann"}},
		{name: "word characters only", in: "ping @sam-lee now", want: []string{"sam"}},
		{name: "email-like", in: "mail me at a@b", want: []string{"b"}},
		{name: "lone at sign", in: "meet @ noon", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractMentions(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("ExtractMentions(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestClassifyKind(t *testing.T) {
	tests := map[string]domain.Kind{
		"What is 2+2?":         domain.KindQuestion,
		"What is 2+2? @bob":    domain.KindQuestion,
		"why?  @ann @bob  ":    domain.KindQuestion,
		"  trailing space?   ": domain.KindQuestion,
		"Tell me about cells":  "",
		"is it? no it isn't":   "",
	}
	for in, want := range tests {
		if got := ClassifyKind(in); got != want {
			t.Errorf("ClassifyKind(%q) = %q, want %q", in, got, want)
		}
	}
}
