package agent

import "testing"

func TestParseReplyTags(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantText    string
		wantReplyTo string
	}{
		{
			name:        "current tag",
			text:        "[[reply_to_current]] Sure, done.",
			wantText:    "Sure, done.",
			wantReplyTo: "current",
		},
		{
			name:        "numeric tag",
			text:        "Answering that one. [[reply_to:12345]]",
			wantText:    "Answering that one.",
			wantReplyTo: "12345",
		},
		{
			name:     "no tag",
			text:     "Plain answer.",
			wantText: "Plain answer.",
		},
		{
			name:        "multiple tags all stripped",
			text:        "[[reply_to:1]] a [[reply_to:2]] b",
			wantText:    "a  b",
			wantReplyTo: "1",
		},
		{
			name:     "malformed tag untouched",
			text:     "[[reply_to:abc]] kept",
			wantText: "[[reply_to:abc]] kept",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, replyTo := ParseReplyTags(tt.text)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if replyTo != tt.wantReplyTo {
				t.Errorf("replyTo = %q, want %q", replyTo, tt.wantReplyTo)
			}
		})
	}
}
