package completion

import (
	"strings"
)

const noDescription = "(no description)"
const noComments = "(no comments)"

// BuildPrompt renders the summarizer prompt for an item and its history.
func BuildPrompt(d Details) string {
	var sb strings.Builder

	sb.WriteString("Summarize the following completed work item for the team. ")
	sb.WriteString("Describe what was done and how the discussion reached its conclusion.\n\n")

	sb.WriteString("## Item\n")
	sb.WriteString("- Key: " + d.Item.Key + "\n")
	sb.WriteString("- Title: " + d.Item.Summary + "\n")
	sb.WriteString("- Description:\n")
	desc := strings.TrimSpace(d.Item.Description)
	if desc == "" {
		desc = noDescription
	}
	sb.WriteString(desc + "\n\n")

	sb.WriteString("## Comment history\n")
	if len(d.History) == 0 {
		sb.WriteString(noComments + "\n")
	}
	for _, c := range d.History {
		sb.WriteString("- **" + c.AuthorName + "** (" + c.CreatedAt.Format("2006-01-02 15:04") + "): ")
		sb.WriteString(strings.TrimSpace(c.Content) + "\n")
	}

	sb.WriteString("\n## Output format\n")
	sb.WriteString("Answer in Markdown with these sections:\n")
	sb.WriteString("### Summary\nWhat the item was about, in two or three sentences.\n")
	sb.WriteString("### Actions taken\nThe main work and decisions, in order.\n")
	sb.WriteString("### Outcome\nHow the item was resolved.\n")
	sb.WriteString("### Notes\nFollow-ups or caveats, or \"None\".\n")

	return sb.String()
}
