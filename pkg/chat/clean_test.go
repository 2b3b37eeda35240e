package chat

import "testing"

func TestCleanForTTS(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain sentence.", "plain sentence."},
		{"```go\nfmt.Println()\n``` and more", "(code omitted) and more"},
		{"run `go test` now", "run go test now"},
		{"**bold** and *italic* and __under__ and _score_", "bold and italic and under and score"},
		{"## Heading text", "Heading text"},
		{"see [the docs](https://example.com) here", "see the docs here"},
		{"- first bullet", "first bullet"},
		{"hello \U0001F600 world ✨", "hello world"},
		{"  spaced \t out  ", "spaced out"},
		{"\U0001F680\U0001F680", ""},
	}
	for _, tc := range cases {
		if got := CleanForTTS(tc.in); got != tc.want {
			t.Fatalf("CleanForTTS(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
