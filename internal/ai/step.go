package ai

import (
	"encoding/json"
	"strings"
)

const (
	SelectionSingle = "single"
	SelectionMulti  = "multi"
	SelectionCustom = "custom"
)

// Step is what the model decided: a QuestionStep or a FinalStep.
type Step interface {
	isStep()
}

type QuestionStep struct {
	Question        string
	Options         []string
	SelectionMethod string
}

type FinalStep struct {
	FinalPrompt string
}

func (QuestionStep) isStep() {}
func (FinalStep) isStep()    {}

// ParseStep classifies the model's text. Anything other than exactly one of
// the two shapes is ErrMalformedResponse, including an object carrying both.
func ParseStep(content string) (Step, error) {
	body := extractObject(content)
	if body == "" {
		return nil, newError(ErrMalformedResponse, 0, "response is not a json object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, newError(ErrMalformedResponse, 0, "response is not a json object: "+err.Error())
	}

	rawQuestion, hasQuestion := fields["question"]
	rawFinal, hasFinal := fields["finalPrompt"]
	switch {
	case hasQuestion && hasFinal:
		return nil, newError(ErrMalformedResponse, 0, "response carries both question and finalPrompt")
	case hasFinal:
		return parseFinal(rawFinal)
	case hasQuestion:
		return parseQuestion(rawQuestion, fields)
	default:
		return nil, newError(ErrMalformedResponse, 0, "response carries neither question nor finalPrompt")
	}
}

func parseFinal(raw json.RawMessage) (Step, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, newError(ErrMalformedResponse, 0, "finalPrompt is not a string")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, newError(ErrMalformedResponse, 0, "finalPrompt is empty")
	}
	return FinalStep{FinalPrompt: text}, nil
}

func parseQuestion(raw json.RawMessage, fields map[string]json.RawMessage) (Step, error) {
	var question string
	if err := json.Unmarshal(raw, &question); err != nil {
		return nil, newError(ErrMalformedResponse, 0, "question is not a string")
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, newError(ErrMalformedResponse, 0, "question is empty")
	}

	var options []string
	if rawOptions, ok := fields["options"]; ok && string(rawOptions) != "null" {
		if err := json.Unmarshal(rawOptions, &options); err != nil {
			return nil, newError(ErrMalformedResponse, 0, "options is not a list of strings")
		}
	}
	options = cleanOptions(options)

	method := ""
	rawMethod, ok := fields["selection_method"]
	if !ok {
		rawMethod, ok = fields["selectionMethod"]
	}
	if ok && string(rawMethod) != "null" {
		if err := json.Unmarshal(rawMethod, &method); err != nil {
			return nil, newError(ErrMalformedResponse, 0, "selection_method is not a string")
		}
		method = strings.ToLower(strings.TrimSpace(method))
	}
	if method == "" {
		method = SelectionSingle
		if len(options) == 0 {
			method = SelectionCustom
		}
	}

	switch method {
	case SelectionSingle, SelectionMulti:
		if len(options) == 0 {
			return nil, newError(ErrMalformedResponse, 0, "selection_method "+method+" without options")
		}
	case SelectionCustom:
		options = nil
	default:
		return nil, newError(ErrMalformedResponse, 0, "unknown selection_method "+method)
	}

	return QuestionStep{Question: question, Options: options, SelectionMethod: method}, nil
}

func cleanOptions(options []string) []string {
	seen := make(map[string]struct{}, len(options))
	out := make([]string, 0, len(options))
	for _, o := range options {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}

// extractObject strips markdown fences and surrounding prose around the
// outermost JSON object.
func extractObject(content string) string {
	s := strings.TrimSpace(content)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
