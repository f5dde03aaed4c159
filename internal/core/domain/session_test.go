package domain

import "testing"

func TestTrimHistory(t *testing.T) {
	msgs := []Message{
		{ID: "1", Text: "one two three"},
		{ID: "2", Text: "four five"},
		{ID: "3", Text: "six"},
	}

	got := TrimHistory(msgs, HistoryLimit{MaxMessages: 2})
	if len(got) != 2 || got[0].ID != "2" {
		t.Fatalf("unexpected window %+v", got)
	}

	got = TrimHistory(msgs, HistoryLimit{MaxTokens: 3})
	if len(got) != 2 || got[0].ID != "2" || got[1].ID != "3" {
		t.Fatalf("unexpected token window %+v", got)
	}

	got = TrimHistory(msgs, HistoryLimit{})
	if len(got) != 3 {
		t.Fatalf("unbounded limit must keep everything, got %d", len(got))
	}
}
