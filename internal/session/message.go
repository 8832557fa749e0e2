package session

import (
	"regexp"
	"strings"
)

// leadingMention matches an @handle addressed to the agent at the start of a message.
var leadingMention = regexp.MustCompile(`^\s*@[\w.\-]+[,:]?\s*`)

// BuildMessage renders the prompt sent to the agent for event.
//
// The title line is always present. The description, triggering message and thread
// context follow as separate paragraphs when they are non-empty.
func BuildMessage(event InboundEvent) string {
	item := event.WorkItem
	identifier := strings.TrimSpace(item.Identifier)
	if identifier == "" {
		identifier = strings.TrimSpace(item.ID)
	}
	title := strings.TrimSpace(item.Title)

	parts := []string{strings.TrimSpace(identifier + ": " + title)}
	if description := strings.TrimSpace(item.Description); description != "" {
		parts = append(parts, "Description:\n"+description)
	}
	if trigger, ok := event.TriggeringMessage(); ok {
		if body := StripMention(trigger.Body); body != "" {
			parts = append(parts, body)
		}
	}
	if thread := strings.TrimSpace(event.Context); thread != "" {
		parts = append(parts, "Context:\n"+thread)
	}
	return strings.Join(parts, "\n\n")
}

// StripMention removes one leading @mention from body.
func StripMention(body string) string {
	return strings.TrimSpace(leadingMention.ReplaceAllString(body, ""))
}
