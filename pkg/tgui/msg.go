package tgui

import (
	"context"
	"strings"
	"unicode/utf8"

	kit "reminderd/internal/transport"
)

// Message is a rendered reply: the first text plus follow-up parts that
// must go out as separate messages.
type Message struct {
	Text string
	Opt  *kit.SendOptions
	More []string
}

// Send delivers the text and then every follow-up part.
func (m Message) Send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) (kit.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	ref, err := ad.SendText(ctx, to, m.Text, m.Opt)
	if err != nil {
		return ref, err
	}
	for _, t := range m.More {
		if strings.TrimSpace(t) == "" {
			continue
		}
		if _, err := ad.SendText(ctx, to, t, m.Opt); err != nil {
			return ref, err
		}
	}
	return ref, nil
}

// Builder assembles an HTML card line by line. Everything except RawLine
// is escaped.
type Builder struct {
	lines []string
	more  []string
}

func New() *Builder { return &Builder{} }

// Title adds a bold title, optionally prefixed by an emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	line := B(t).String()
	if e := strings.TrimSpace(emoji); e != "" {
		line = Esc(e).String() + " " + line
	}
	b.lines = append(b.lines, line)
	return b
}

func (b *Builder) Section(title string) *Builder {
	if t := strings.TrimSpace(title); t != "" {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

func (b *Builder) Line(s string) *Builder {
	if strings.TrimSpace(s) == "" {
		b.lines = append(b.lines, "")
		return b
	}
	b.lines = append(b.lines, Esc(s).String())
	return b
}

func (b *Builder) RawLine(s string) *Builder {
	b.lines = append(b.lines, s)
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// KV adds "• key: value" with a bold key.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(strings.TrimSpace(value)).String())
	return b
}

func (b *Builder) Code(s string) *Builder {
	if s = strings.TrimSpace(s); s != "" {
		b.lines = append(b.lines, Code(s).String())
	}
	return b
}

// PreMulti renders code as one or more <pre> blocks of at most limit runes
// (default 3500), preferring newline boundaries. Blocks after the first
// become follow-up messages.
func (b *Builder) PreMulti(code string, limit int) *Builder {
	code = strings.TrimRight(code, "\n")
	if code == "" {
		return b
	}
	if limit <= 0 {
		limit = 3500
	}
	const overhead = len("<pre><code></code></pre>")
	eff := max(limit-overhead, 128)

	first := true
	for start := 0; start < len(code); {
		end, runes := start, 0
		cut, cutRunes := -1, 0
		for end < len(code) && runes < eff {
			r, size := utf8.DecodeRuneInString(code[end:])
			runes++
			end += size
			if r == '\n' {
				cut, cutRunes = end, runes
			}
		}
		if end < len(code) && cut != -1 && cutRunes >= eff/3 {
			end = cut
		}
		block := Pre(strings.TrimRight(code[start:end], "\n")).String()
		if first {
			b.lines = append(b.lines, block)
			first = false
		} else {
			b.more = append(b.more, block)
		}
		start = end
		for start < len(code) && code[start] == '\n' {
			start++
		}
	}
	return b
}

// String is the first message text.
func (b *Builder) String() string { return strings.Trim(strings.Join(b.lines, "\n"), "\n") }

func (b *Builder) Build() Message {
	return Message{
		Text: b.String(),
		Opt:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
		More: append([]string(nil), b.more...),
	}
}
