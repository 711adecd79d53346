package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders HTML help: the full list when topic is empty, one
// command's details otherwise. Owner-only commands are listed only for
// owners.
func (r *Router) helpText(topic string, owner bool) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topic = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(topic), "/"))
	if topic != "" {
		c, ok := r.byName[topic]
		if !ok || (c.Access == AccessOwnerOnly && !owner) {
			return "❓ <b>Unknown command</b>\nType <code>/help</code> for the list."
		}
		return commandHelp(c)
	}

	list := make([]*Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		list = append(list, c)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Access != list[j].Access {
			return list[i].Access == AccessEveryone
		}
		return list[i].Name < list[j].Name
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
		"",
	}
	for _, c := range list {
		line := "• "
		if c.Access == AccessOwnerOnly {
			line += "🔒 "
		}
		line += "<code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func commandHelp(c *Command) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(c.Name) + "</code>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>Owner only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		as := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			as = append(as, "<code>/"+html.EscapeString(a)+"</code>")
		}
		lines = append(lines, "", "<b>Aliases</b> "+strings.Join(as, ", "))
	}
	return strings.Join(lines, "\n")
}
