package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStep(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Step
		wantErr bool
	}{
		{
			name:    "single choice question",
			content: `{"question":"Which genre?","options":["Fantasy","Sci-fi"],"selection_method":"single"}`,
			want:    QuestionStep{Question: "Which genre?", Options: []string{"Fantasy", "Sci-fi"}, SelectionMethod: SelectionSingle},
		},
		{
			name:    "fenced multi question",
			content: "```json\n{\"question\":\"Which themes?\",\"options\":[\"love\",\" war \",\"love\",\"\"],\"selection_method\":\"multi\"}\n```",
			want:    QuestionStep{Question: "Which themes?", Options: []string{"love", "war"}, SelectionMethod: SelectionMulti},
		},
		{
			name:    "method defaults to single with options",
			content: `{"question":"Length?","options":["short","long"]}`,
			want:    QuestionStep{Question: "Length?", Options: []string{"short", "long"}, SelectionMethod: SelectionSingle},
		},
		{
			name:    "free text question",
			content: `{"question":"Name the hero","selection_method":"custom","options":["ignored"]}`,
			want:    QuestionStep{Question: "Name the hero", SelectionMethod: SelectionCustom},
		},
		{
			name:    "final prompt with prose around it",
			content: `Sure! {"finalPrompt":"Write a fantasy story."} Hope this helps.`,
			want:    FinalStep{FinalPrompt: "Write a fantasy story."},
		},
		{name: "both shapes", content: `{"question":"Q?","options":["a"],"finalPrompt":"P"}`, wantErr: true},
		{name: "neither shape", content: `{"answer":"42"}`, wantErr: true},
		{name: "plain text", content: `Here is your prompt.`, wantErr: true},
		{name: "empty final", content: `{"finalPrompt":"  "}`, wantErr: true},
		{name: "question not string", content: `{"question":7}`, wantErr: true},
		{name: "single without options", content: `{"question":"Q?","selection_method":"single"}`, wantErr: true},
		{name: "unknown method", content: `{"question":"Q?","options":["a"],"selection_method":"ranked"}`, wantErr: true},
		{name: "options not strings", content: `{"question":"Q?","options":[1,2]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStep(tt.content)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
