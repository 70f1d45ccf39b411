package router

import (
	"slices"
	"strings"
	"unicode"

	kit "reminderd/internal/transport"
	"reminderd/pkg/tgui"
)

// Flag documents one --name option of a command. An empty Arg marks a
// boolean switch.
type Flag struct {
	Name string
	Arg  string
	Help string
}

func (f Flag) synopsis() string {
	if f.Arg == "" {
		return "--" + f.Name
	}
	return "--" + f.Name + " " + f.Arg
}

// usageLine is Usage followed by a bracketed synopsis of every flag.
func (c Command) usageLine() string {
	u := strings.TrimSpace(c.Usage)
	if u == "" {
		u = "/" + strings.Join(splitRoute(c.Route), " ")
	}
	for _, f := range c.Flags {
		u += " [" + f.synopsis() + "]"
	}
	return u
}

// helpText renders /help [cmd] [sub...] in HTML parse mode. The first token
// may also be an alias.
func (m *Manager) helpText(path []string) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return overviewHelp(root)
	}
	if _, isChild := root.child(path[0]); !isChild {
		if leaf, ok := alias[path[0]]; ok && leaf.cmd != nil {
			return nodeHelp(leaf, splitRoute(leaf.cmd.Route))
		}
	}
	cur := root
	for _, p := range path {
		n, ok := cur.child(p)
		if !ok {
			return tgui.New().
				Title("❓", "Unknown command").
				RawLine("Type " + tgui.Code("/help").String() + " to list commands.").
				String()
		}
		cur = n
	}
	return nodeHelp(cur, path)
}

// overviewHelp lists every command grouped by its first word; single-word
// commands close the list.
func overviewHelp(root *cmdNode) string {
	b := tgui.New().
		Title("📚", "Commands").
		RawLine("Type " + tgui.Code("/help <cmd>").String() + " for flags.")
	var loose []*Command
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		if len(n.children) == 0 {
			if n.cmd != nil {
				loose = append(loose, n.cmd)
			}
			continue
		}
		b.Blank().Section("/" + name)
		for _, c := range leaves(n) {
			b.RawLine(commandLine(c))
		}
	}
	if len(loose) > 0 {
		b.Blank()
		for _, c := range loose {
			b.RawLine(commandLine(c))
		}
	}
	return b.String()
}

func nodeHelp(n *cmdNode, full []string) string {
	b := tgui.New().RawLine("📚 " + tgui.B("Help").String() + " " + tgui.Code("/"+strings.Join(full, " ")).String())
	if c := n.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			b.Line(d)
		}
		if c.Access == AccessOwnerOnly {
			b.RawLine("🔒 " + tgui.I("Owner only").String())
		}
		b.Blank().Section("Usage").Code(c.usageLine())
		if len(c.Flags) > 0 {
			b.Blank().Section("Flags")
			for _, f := range c.Flags {
				b.RawLine("• " + tgui.Code(f.synopsis()).String() + " " + tgui.Esc(f.Help).String())
			}
		}
		if short := shortcuts(*c); len(short) > 0 {
			b.Blank().Section("Shortcuts")
			for _, s := range short {
				b.RawLine("• " + tgui.Code("/"+s).String())
			}
		}
	}
	if len(n.children) > 0 {
		if n.cmd == nil && ownerOnly(n) {
			b.RawLine("🔒 " + tgui.I("Owner only").String())
		}
		b.Blank().Section("Subcommands")
		for _, c := range leaves(n) {
			if c != n.cmd {
				b.RawLine(commandLine(c))
			}
		}
	}
	return b.String()
}

// commandLine is one "• /route - description" entry.
func commandLine(c *Command) string {
	line := "• "
	if c.Access == AccessOwnerOnly {
		line += "🔒 "
	}
	line += tgui.Code("/" + strings.Join(splitRoute(c.Route), " ")).String()
	if d := strings.TrimSpace(c.Description); d != "" {
		line += " - " + tgui.Esc(d).String()
	}
	return line
}

// leaves returns the commands at or below n in route order.
func leaves(n *cmdNode) []*Command {
	var out []*Command
	if n.cmd != nil {
		out = append(out, n.cmd)
	}
	for _, name := range n.childNames() {
		ch, _ := n.child(name)
		out = append(out, leaves(ch)...)
	}
	return out
}

func ownerOnly(n *cmdNode) bool {
	all := leaves(n)
	for _, c := range all {
		if c.Access != AccessOwnerOnly {
			return false
		}
	}
	return len(all) > 0
}

func shortcuts(c Command) []string {
	var out []string
	if name := menuName(splitRoute(c.Route)); name != "" && strings.Contains(strings.TrimSpace(c.Route), " ") {
		out = append(out, name)
	}
	for _, a := range c.Aliases {
		if a = sanitizeTelegramCommand(a); a != "" && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

// menuCommands builds the bot menu: one entry per top-level command with
// its subcommands as the description, then one per alias.
func menuCommands(root *cmdNode, cmds []Command) []kit.BotCommand {
	var out []kit.BotCommand
	seen := map[string]bool{}
	add := func(name, desc string, locked bool) {
		if name == "" || seen[name] || len(out) >= 100 {
			return
		}
		seen[name] = true
		if locked {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: name, Description: tgui.TruncRunes(strings.Join(strings.Fields(desc), " "), 256)})
	}

	for _, name := range root.childNames() {
		n, _ := root.child(name)
		desc := name
		if n.cmd != nil && strings.TrimSpace(n.cmd.Description) != "" {
			desc = n.cmd.Description
		} else if len(n.children) > 0 {
			desc = name + ": " + strings.Join(n.childNames(), ", ")
		}
		add(sanitizeTelegramCommand(name), desc, ownerOnly(n))
	}
	for _, c := range cmds {
		desc := c.Description
		if desc == "" {
			desc = c.Route
		}
		for _, a := range c.Aliases {
			add(sanitizeTelegramCommand(a), desc, c.Access == AccessOwnerOnly)
		}
	}
	return out
}

// menuName joins a route into a menu-safe command: "reminders add" is
// reachable as /reminders_add.
func menuName(route []string) string {
	return sanitizeTelegramCommand(strings.Join(route, "_"))
}

// sanitizeTelegramCommand maps s onto Telegram's [a-z0-9_]{1,32}, starting
// with a letter.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '-', r == '/', unicode.IsSpace(r):
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}
