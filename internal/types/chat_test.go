package types

import (
	"strings"
	"testing"
)

func TestNormalizeRole(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "user_passthrough", in: "user", want: RoleUser},
		{name: "model_passthrough", in: "model", want: RoleModel},
		{name: "assistant_folds_to_model", in: "assistant", want: RoleModel},
		{name: "assistant_mixed_case", in: "Assistant", want: RoleModel},
		{name: "whitespace_trimmed", in: "  model  ", want: RoleModel},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeRole(tc.in)
			if got != tc.want {
				t.Fatalf("NormalizeRole(%q)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestChatTitle(t *testing.T) {
	longText := strings.Repeat("ab", 20) // 40 chars

	cases := []struct {
		name    string
		history []Message
		want    string
	}{
		{
			name:    "short_text_kept_whole",
			history: []Message{{Role: RoleUser, Parts: []Part{{Text: "Hello"}}}},
			want:    "Hello",
		},
		{
			name:    "long_text_truncated_to_30",
			history: []Message{{Role: RoleUser, Parts: []Part{{Text: longText}}}},
			want:    longText[:30],
		},
		{
			name:    "empty_history",
			history: []Message{},
			want:    UntitledChat,
		},
		{
			name:    "message_without_parts",
			history: []Message{{Role: RoleUser}},
			want:    UntitledChat,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var chat Chat
			if err := chat.SetHistory(tc.history); err != nil {
				t.Fatalf("SetHistory: %v", err)
			}
			if got := chat.Title(); got != tc.want {
				t.Fatalf("Title()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestSetHistoryNormalizesRoles(t *testing.T) {
	var chat Chat
	err := chat.SetHistory([]Message{
		{Role: "user", Parts: []Part{{Text: "q"}}},
		{Role: "assistant", Parts: []Part{{Text: "a"}}},
	})
	if err != nil {
		t.Fatalf("SetHistory: %v", err)
	}
	items, err := chat.HistoryItems()
	if err != nil {
		t.Fatalf("HistoryItems: %v", err)
	}
	if items[1].Role != RoleModel {
		t.Fatalf("stored role=%q, want %q", items[1].Role, RoleModel)
	}
}
