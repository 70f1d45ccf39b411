package tgui

import (
	"strings"
	"testing"
)

func TestBuilderEscapes(t *testing.T) {
	t.Parallel()

	got := New().Title("⏰", "Reminders <3").KV("Next", "a & b").Line("x<y").Code("id-1").String()
	want := "⏰ <b>Reminders &lt;3</b>\n• <b>Next</b>: a &amp; b\nx&lt;y\n<code>id-1</code>"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestPreMultiSplits(t *testing.T) {
	t.Parallel()

	line := strings.Repeat("a", 99)
	code := strings.Repeat(line+"\n", 10)
	msg := New().PreMulti(code, 300).Build()
	if len(msg.More) == 0 {
		t.Fatalf("expected follow-up blocks")
	}
	for _, part := range append([]string{msg.Text}, msg.More...) {
		if !strings.HasPrefix(part, "<pre><code>") || !strings.HasSuffix(part, "</code></pre>") {
			t.Fatalf("unbalanced block %q", part)
		}
		if len(part) > 300 {
			t.Fatalf("block too long: %d", len(part))
		}
	}
}

func TestPaginate(t *testing.T) {
	t.Parallel()

	items := make([]int, 25)
	p := Paginate(items, 1, 10)
	if len(p.Items) != 10 || !p.HasNext || p.Label() != "Page 2/3 • 11–20 of 25" {
		t.Fatalf("page=%+v label=%q", p, p.Label())
	}
	p = Paginate(items, 9, 10)
	if p.Index != 2 || len(p.Items) != 5 || p.HasNext {
		t.Fatalf("clamped page=%+v", p)
	}
	if empty := Paginate([]int(nil), 0, 10); empty.Label() != "Page 1/1" || len(empty.Items) != 0 {
		t.Fatalf("empty=%+v", empty)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"héllo wörld", 4, "héll…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Errorf("TruncRunes(%q,%d)=%q want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
