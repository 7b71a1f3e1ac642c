package session

import (
	"fmt"
	"strings"
)

// responseFormat - инструкция формата ответа, добавляется к системному промпту истории.
const responseFormat = `Respond with a single JSON object and nothing else:
{"narrative": string, "mediaPrompt": string, "choices": [string], "lessons": [string],
 "isComplete": boolean, "isImportant": boolean, "locationHint": string or null}.
Offer two to four choices unless the story is complete. Set isImportant for pivotal scenes only.`

// questionFormat - инструкция для свободных вопросов.
const questionFormat = `The reader paused the story to ask a question. Answer briefly and kindly,
staying consistent with the story so far. Respond with JSON: {"answer": string}.`

func systemPrompt(story Story) string {
	base := strings.TrimSpace(story.SystemPrompt)
	if base == "" {
		base = fmt.Sprintf("You are a gentle storyteller guiding the reader through %q.", story.Title)
	}
	return base + "\n\n" + responseFormat
}

func openingPrompt(story Story) string {
	if p := strings.TrimSpace(story.OpeningPrompt); p != "" {
		return p
	}
	return fmt.Sprintf("Begin the story %q.", story.Title)
}

func choicePrompt(choice, environment string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The reader chose: %q.", choice)
	if environment != "" {
		fmt.Fprintf(&b, " Current setting: %s.", environment)
	}
	b.WriteString(" Continue the story.")
	return b.String()
}
