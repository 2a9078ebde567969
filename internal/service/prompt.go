package service

import (
	"strings"
	"text/template"
	"unicode/utf8"
)

const maxTitleLength = 80

var promptTemplate = template.Must(template.New("prompt").Parse(`# {{.Title}}

{{.Description}}
{{- if .Extra}}

## Additional instructions

{{.Extra}}
{{- end}}

## Contract

- This task tracks issue #{{.IssueNumber}} in {{.Owner}}/{{.Repo}}.
- Make focused changes that address the issue and nothing else.
- Commit your work to the current branch.
- Do not open a pull request yourself; Porter opens it when you report completion.
- Reference issue #{{.IssueNumber}} in your commit messages.
`))

// PromptInput is the material the agent prompt is built from
type PromptInput struct {
	Owner       string
	Repo        string
	IssueNumber int
	Title       string
	Description string
	Extra       string
}

// BuildPrompt renders the enriched agent prompt
func BuildPrompt(in PromptInput) string {
	if strings.TrimSpace(in.Description) == "" {
		in.Description = "(no description provided)"
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Extra = strings.TrimSpace(in.Extra)

	var b strings.Builder
	if err := promptTemplate.Execute(&b, in); err != nil {
		// the template is static; only a writer failure could land here
		return in.Title + "\n\n" + in.Description
	}
	return b.String()
}

// DeriveTitle builds an issue title from the first sentence of a prompt:
// whitespace collapsed, cut at the first sentence end, truncated to 80 runes.
func DeriveTitle(prompt string) string {
	text := strings.Join(strings.Fields(prompt), " ")
	if text == "" {
		return "Porter task"
	}

	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + utf8.RuneLen(r)
		if next == len(text) || text[next] == ' ' {
			text = text[:next]
			break
		}
	}
	text = strings.TrimRight(text, ".")

	if utf8.RuneCountInString(text) <= maxTitleLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxTitleLength-3])) + "..."
}
