// Package command parses porter commands written in issue comments, such as
// "@porter opencode --priority=high focus on tests".
package command

import (
	"errors"
	"fmt"
	"strings"

	"porter/internal/model"
)

// ErrNotCommand is returned when a comment does not address the bot
var ErrNotCommand = errors.New("comment is not a porter command")

// Command is a parsed comment command
type Command struct {
	Agent        string
	Priority     model.Priority
	BaseBranch   string
	Instructions string
}

// Parse reads a command from the first line of body that starts with
// mention. isAgent decides whether the first word names an agent.
func Parse(body, mention string, isAgent func(string) bool) (Command, error) {
	line, ok := commandLine(body, mention)
	if !ok {
		return Command{}, ErrNotCommand
	}

	cmd := Command{Priority: model.PriorityNormal}
	fields := strings.Fields(line)
	var rest []string

	for i := 0; i < len(fields); i++ {
		field := fields[i]
		name, value, hasValue := splitFlag(field)
		switch name {
		case "priority", "base":
			if !hasValue {
				if i+1 >= len(fields) {
					return Command{}, fmt.Errorf("--%s needs a value", name)
				}
				i++
				value = fields[i]
			}
			if name == "base" {
				cmd.BaseBranch = value
				continue
			}
			priority, err := model.ParsePriority(value)
			if err != nil {
				return Command{}, err
			}
			cmd.Priority = priority
		case "":
			if cmd.Agent == "" && len(rest) == 0 && isAgent != nil && isAgent(field) {
				cmd.Agent = strings.ToLower(field)
				continue
			}
			rest = append(rest, field)
		default:
			rest = append(rest, field)
		}
	}

	instructions := strings.Join(rest, " ")
	if trailing := trailingText(body, mention); trailing != "" {
		if instructions != "" {
			instructions += "\n"
		}
		instructions += trailing
	}
	cmd.Instructions = strings.TrimSpace(instructions)
	return cmd, nil
}

// commandLine returns the text after mention on the first line that starts with it
func commandLine(body, mention string) (string, bool) {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) < len(mention) || !strings.EqualFold(trimmed[:len(mention)], mention) {
			continue
		}
		rest := trimmed[len(mention):]
		if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
			continue
		}
		return strings.TrimSpace(rest), true
	}
	return "", false
}

// trailingText returns the lines following the command line
func trailingText(body, mention string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if _, ok := commandLine(line, mention); ok {
			return strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
		}
	}
	return ""
}

// splitFlag splits --name=value. name is empty for non-flags.
func splitFlag(field string) (name, value string, hasValue bool) {
	if !strings.HasPrefix(field, "--") || len(field) == 2 {
		return "", "", false
	}
	name = strings.ToLower(field[2:])
	if idx := strings.IndexByte(name, '='); idx >= 0 {
		return name[:idx], field[2+idx+1:], true
	}
	return name, "", false
}
