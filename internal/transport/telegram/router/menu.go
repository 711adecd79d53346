package router

import (
	"sort"
	"strings"

	kit "seatwatch/internal/transport"
)

// menuLimit is Telegram's cap on setMyCommands entries.
const menuLimit = 100

// buildMenu lists primary command names (aliases are left out of the
// menu) with public commands first.
func buildMenu(cmds []*Command) []kit.BotCommand {
	type entry struct {
		cmd   string
		desc  string
		owner bool
	}
	seen := map[string]bool{}
	entries := make([]entry, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		entries = append(entries, entry{cmd: name, desc: desc, owner: c.Access == AccessOwnerOnly})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].owner != entries[j].owner {
			return !entries[i].owner
		}
		return entries[i].cmd < entries[j].cmd
	})

	out := make([]kit.BotCommand, 0, len(entries))
	for _, e := range entries {
		if len(out) >= menuLimit {
			break
		}
		out = append(out, kit.BotCommand{Command: e.cmd, Description: e.desc})
	}
	return out
}
