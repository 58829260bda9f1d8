package router

import (
	"sort"
	"strings"
)

// helpText lists the commands the caller may use, one per line.
func (m *CommandManager) helpText(owner bool) string {
	m.mu.RLock()
	cmds := append([]Command(nil), m.order...)
	m.mu.RUnlock()

	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	lines := []string{"Commands:"}
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		line := usage
		if c.Description != "" {
			line += " - " + c.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
