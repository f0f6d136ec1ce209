package tts

import "testing"

func TestPreprocessStripsMarkdown(t *testing.T) {
	in := "## Title\nCheck **this** out, see `code` and [a link](https://example.com/x) or bare https://foo.bar/baz"
	got := Preprocess(in)
	want := "Title Check this out, see code and a link or bare a link"
	if got != want {
		t.Fatalf("Preprocess() = %q, want %q", got, want)
	}
}

func TestPreprocessCodeFence(t *testing.T) {
	in := "Before\n```go\nfmt.Println(1)\n```\nAfter"
	got := Preprocess(in)
	if got != "Before After" {
		t.Fatalf("Preprocess() = %q, want %q", got, "Before After")
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Hello there. How are you? Fine!")
	want := []string{"Hello there.", "How are you?", "Fine!"}
	if len(got) != len(want) {
		t.Fatalf("SplitSentences() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}
