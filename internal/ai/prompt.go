package ai

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxInputChars is the character budget of the composed user input.
	MaxInputChars = 2000
	// TruncationMarker is appended when the input is cut. It is 15 characters.
	TruncationMarker = "\n...[truncated]"
)

const systemInstruction = `You are Promptly, an assistant that helps a user refine a prompt they will give to another AI model.
Be brief. Ask at most one clarifying question per reply.
Reply with a single JSON object and nothing else, in exactly one of these shapes:
{"question": "<text>", "options": ["<option>", "..."], "selection_method": "single" | "multi" | "custom"}
{"finalPrompt": "<the complete refined prompt>"}
Use "custom" with no options when the user should answer in free text.`

// Mode tells the model which shapes it may return.
type Mode int

const (
	// ModeOpen lets the model choose between another question and a final prompt.
	ModeOpen Mode = iota
	// ModeFirstQuestion asks for the opening question of a session.
	ModeFirstQuestion
	// ModeFinalize forbids further questions.
	ModeFinalize
)

func (m Mode) directive() string {
	switch m {
	case ModeFirstQuestion:
		return "Ask the first clarifying question now. Do not return finalPrompt yet."
	case ModeFinalize:
		return "No further questions are allowed. Return only the finalPrompt object."
	default:
		return "Ask another question only if the answer would materially improve the prompt; otherwise return the finalPrompt object."
	}
}

// Turn is one role-tagged entry of the conversation so far.
type Turn struct {
	Role    string
	Type    string
	Content string
	Options []string
}

type Request struct {
	StarterPrompt string
	Turns         []Turn
	Tone          string
	WordLimit     int
	TargetModel   string
	Mode          Mode
}

// ComposeInput renders the request as the user message, before truncation.
func ComposeInput(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Starter prompt: %s\n", strings.TrimSpace(req.StarterPrompt))
	fmt.Fprintf(&b, "Target model: %s\n", req.TargetModel)
	fmt.Fprintf(&b, "Tone: %s\n", req.Tone)
	fmt.Fprintf(&b, "Word limit: %d\n", req.WordLimit)
	if len(req.Turns) > 0 {
		b.WriteString("Conversation:\n")
	}
	for _, t := range req.Turns {
		fmt.Fprintf(&b, "[%s:%s] %s", t.Role, t.Type, t.Content)
		if len(t.Options) > 0 {
			fmt.Fprintf(&b, " (options: %s)", strings.Join(t.Options, " | "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Truncate cuts s to MaxInputChars characters. A longer input keeps its first
// MaxInputChars-len(TruncationMarker) characters followed by the marker.
func Truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxInputChars {
		return s
	}
	keep := MaxInputChars - utf8.RuneCountInString(TruncationMarker)
	runes := []rune(s)
	return string(runes[:keep]) + TruncationMarker
}

// BuildMessages prepends the fixed system instruction and the mode directive.
func BuildMessages(req Request) []ChatMessage {
	return []ChatMessage{
		{Role: "system", Content: systemInstruction},
		{Role: "system", Content: req.Mode.directive()},
		{Role: "user", Content: Truncate(ComposeInput(req))},
	}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
