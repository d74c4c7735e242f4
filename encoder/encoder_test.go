package encoder

import "testing"

func TestApproximateEncode(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		if got := (Approximate{}).Encode(""); got != 0 {
			t.Fatalf("expected 0, got %d", got)
		}
	})

	t.Run("whitespace only", func(t *testing.T) {
		if got := (Approximate{}).Encode("   \t\n"); got != 0 {
			t.Fatalf("expected 0, got %d", got)
		}
	})

	t.Run("non-empty floors at one token", func(t *testing.T) {
		if got := (Approximate{}).Encode("hi"); got != 1 {
			t.Fatalf("expected 1, got %d", got)
		}
	})

	t.Run("scales with length", func(t *testing.T) {
		short := (Approximate{}).Encode("abcd")
		long := (Approximate{}).Encode("abcdabcdabcdabcd")
		if long <= short {
			t.Fatalf("expected longer text to cost more tokens: short=%d long=%d", short, long)
		}
	})
}

func TestApproximateChatTokens(t *testing.T) {
	e := Approximate{}
	msgs := []Message{
		{Role: "system", Content: "you are helpful"},
		{Role: "user", Content: "hello"},
	}
	total := e.ChatTokens(msgs)
	var manual uint32
	for _, m := range msgs {
		manual += MessageTokens(e, m.Role, m.Content)
	}
	if total != manual {
		t.Fatalf("ChatTokens should equal sum of MessageTokens: got %d want %d", total, manual)
	}
	if total == 0 {
		t.Fatal("expected nonzero token count")
	}
}

func TestMessageTokensIncludesFramingOverhead(t *testing.T) {
	e := Approximate{}
	got := MessageTokens(e, "", "")
	if got != chatFramingOverhead {
		t.Fatalf("expected bare framing overhead %d, got %d", chatFramingOverhead, got)
	}
}
