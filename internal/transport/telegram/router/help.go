package router

import (
	"strings"

	"nagbot/pkg/tgui"
)

// HelpText lists the commands visible to the caller as HTML.
func (r *Router) HelpText(isAdmin bool) string {
	var b strings.Builder
	b.WriteString(string(tgui.B("Commands")))
	b.WriteString("\n")
	for _, c := range r.Commands() {
		if c.AdminOnly && !isAdmin {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("\n")
		b.WriteString(string(tgui.Code(usage)))
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(string(tgui.Esc(c.Description)))
		}
		if c.AdminOnly {
			b.WriteString(" " + string(tgui.I("(admin)")))
		}
	}
	return b.String()
}
