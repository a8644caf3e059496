package slack

import "github.com/alekspetrov/recap/internal/completion"

// Block Kit field limits, in runes.
const (
	headerTextLimit  = 150
	sectionTextLimit = 3000
)

// TextObject is Block Kit text.
type TextObject struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// TextBlock is a header, section or divider block.
type TextBlock struct {
	Type string      `json:"type"`
	Text *TextObject `json:"text,omitempty"`
}

// ButtonElement is an interactive button.
type ButtonElement struct {
	Type     string      `json:"type"`
	Text     *TextObject `json:"text"`
	ActionID string      `json:"action_id"`
	Value    string      `json:"value,omitempty"`
	Style    string      `json:"style,omitempty"`
}

// ActionsBlock holds interactive elements.
type ActionsBlock struct {
	Type     string          `json:"type"`
	BlockID  string          `json:"block_id,omitempty"`
	Elements []ButtonElement `json:"elements"`
}

// ConvertBlocks renders transport-neutral blocks as Block Kit JSON.
func ConvertBlocks(blocks []completion.Block) []any {
	if len(blocks) == 0 {
		return nil
	}
	out := make([]any, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case completion.BlockHeader:
			out = append(out, TextBlock{
				Type: "header",
				Text: &TextObject{Type: "plain_text", Text: truncate(b.Text, headerTextLimit), Emoji: true},
			})
		case completion.BlockSection:
			out = append(out, TextBlock{
				Type: "section",
				Text: &TextObject{Type: "mrkdwn", Text: truncate(b.Text, sectionTextLimit)},
			})
		case completion.BlockDivider:
			out = append(out, TextBlock{Type: "divider"})
		case completion.BlockActions:
			elems := make([]ButtonElement, 0, len(b.Buttons))
			for _, btn := range b.Buttons {
				elems = append(elems, ButtonElement{
					Type:     "button",
					Text:     &TextObject{Type: "plain_text", Text: btn.Text, Emoji: true},
					ActionID: btn.ActionID,
					Value:    btn.Value,
					Style:    string(btn.Style),
				})
			}
			out = append(out, ActionsBlock{Type: "actions", BlockID: b.BlockID, Elements: elems})
		}
	}
	return out
}

// truncate caps s at max runes, the Block Kit field limits.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
