package completion

import (
	"encoding/json"
	"fmt"
)

const (
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ApprovalActionsBlock = "approval_actions"
)

// ApprovalRequest builds the interactive message asking a reviewer to
// approve posting the summary. Both buttons carry the callback ID.
func ApprovalRequest(d Details, callbackID string) Message {
	return Message{
		Text: fmt.Sprintf("Item %s completed", d.Item.Key),
		Blocks: []Block{
			{Kind: BlockHeader, Text: "Item completed: " + d.Item.Key},
			{Kind: BlockSection, Text: itemLink(d)},
			{Kind: BlockDivider},
			{Kind: BlockSection, Text: "Post this summary as a comment on the item?"},
			{
				Kind:    BlockActions,
				BlockID: ApprovalActionsBlock,
				Buttons: []Button{
					{ActionID: ActionApprove, Text: "Approve", Style: StylePrimary, Value: actionValue(callbackID, true)},
					{ActionID: ActionReject, Text: "Reject", Style: StyleDanger, Value: actionValue(callbackID, false)},
				},
			},
		},
	}
}

// ExpiredRequest replaces the approval message once nobody answered in time.
func ExpiredRequest(d Details) Message {
	return Message{
		Text: fmt.Sprintf("Approval for %s expired", d.Item.Key),
		Blocks: []Block{
			{Kind: BlockHeader, Text: "Item completed: " + d.Item.Key},
			{Kind: BlockSection, Text: itemLink(d)},
			{Kind: BlockDivider},
			{Kind: BlockSection, Text: ":hourglass: This approval request expired. The summary was not posted."},
		},
	}
}

// SummaryDetail posts the full summary in the approval message's thread.
func SummaryDetail(summary, threadTS string) Message {
	return Message{
		Text:     "*Completion summary:*\n" + summary,
		ThreadTS: threadTS,
	}
}

// CompletionNotice tells the reviewer what finally happened.
func CompletionNotice(key string, o Outcome) Message {
	var text string
	switch {
	case o.Approved:
		text = fmt.Sprintf(":white_check_mark: Posted the completion summary to %s.", key)
	case o.TimedOut:
		text = fmt.Sprintf(":x: Approval for %s timed out. The summary was not posted.", key)
	default:
		text = fmt.Sprintf(":x: Posting the summary to %s was rejected.", key)
	}
	return Message{Text: text}
}

// FailureNotice tells the reviewer that processing stopped and the summary
// was not posted.
func FailureNotice(key, instanceID string) Message {
	return Message{
		Text: fmt.Sprintf(":warning: Processing %s failed and the summary was not posted. "+
			"An operator can retry with `recap instances replay %s`.", key, instanceID),
	}
}

// CommentBody is the text posted to the item on approval.
func CommentBody(summary string) string {
	return "## Completion summary\n\n" + summary + "\n"
}

func itemLink(d Details) string {
	title := d.Item.Summary
	if title == "" {
		title = d.Item.Key
	}
	if d.URL == "" {
		return "*" + title + "*"
	}
	return fmt.Sprintf("*<%s|%s>*", d.URL, title)
}

func actionValue(callbackID string, approved bool) string {
	b, _ := json.Marshal(ActionValue{CallbackID: callbackID, Approved: approved})
	return string(b)
}
