package asr_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/nox/internal/asr"
)

func TestRunTaskCommand(t *testing.T) {
	t.Parallel()

	var got struct {
		Header struct {
			Action    string `json:"action"`
			TaskID    string `json:"task_id"`
			Streaming string `json:"streaming"`
		} `json:"header"`
		Payload struct {
			TaskGroup  string `json:"task_group"`
			Task       string `json:"task"`
			Function   string `json:"function"`
			Model      string `json:"model"`
			Parameters struct {
				Format                          string `json:"format"`
				SampleRate                      int    `json:"sample_rate"`
				DisfluencyRemovalEnabled        *bool  `json:"disfluency_removal_enabled"`
				PunctuationPredictionEnabled    bool   `json:"punctuation_prediction_enabled"`
				InverseTextNormalizationEnabled bool   `json:"inverse_text_normalization_enabled"`
			} `json:"parameters"`
			Input *map[string]any `json:"input"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(asr.RunTaskCommand("task-1", "paraformer-realtime-v2", 16000), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Header.Action != "run-task" || got.Header.TaskID != "task-1" || got.Header.Streaming != "duplex" {
		t.Errorf("header = %+v", got.Header)
	}
	p := got.Payload
	if p.TaskGroup != "audio" || p.Task != "asr" || p.Function != "recognition" {
		t.Errorf("task routing = %s/%s/%s", p.TaskGroup, p.Task, p.Function)
	}
	if p.Model != "paraformer-realtime-v2" {
		t.Errorf("model = %q", p.Model)
	}
	if p.Parameters.Format != "pcm" || p.Parameters.SampleRate != 16000 {
		t.Errorf("format = %s@%d", p.Parameters.Format, p.Parameters.SampleRate)
	}
	if p.Parameters.DisfluencyRemovalEnabled == nil || *p.Parameters.DisfluencyRemovalEnabled {
		t.Error("disfluency_removal_enabled must be present and false")
	}
	if !p.Parameters.PunctuationPredictionEnabled || !p.Parameters.InverseTextNormalizationEnabled {
		t.Error("punctuation prediction and ITN must be enabled")
	}
	if p.Input == nil {
		t.Error("payload.input must be present")
	}
}

func TestFinishTaskCommand(t *testing.T) {
	t.Parallel()

	var got map[string]map[string]any
	if err := json.Unmarshal(asr.FinishTaskCommand("task-9"), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["header"]["action"] != "finish-task" || got["header"]["task_id"] != "task-9" {
		t.Errorf("header = %v", got["header"])
	}
	if got["header"]["streaming"] != "duplex" {
		t.Errorf("streaming = %v", got["header"]["streaming"])
	}
	if _, ok := got["payload"]["input"]; !ok {
		t.Error("payload.input missing")
	}
}

func TestParseEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want asr.Event
	}{
		{
			name: "task started",
			in:   `{"header":{"event":"task-started","task_id":"t"}}`,
			want: asr.Event{Kind: asr.EventTaskStarted, TaskID: "t"},
		},
		{
			name: "partial result",
			in:   `{"header":{"event":"result-generated","task_id":"t"},"payload":{"output":{"sentence":{"text":"hel","sentence_end":false}}}}`,
			want: asr.Event{Kind: asr.EventResultGenerated, TaskID: "t", Text: "hel"},
		},
		{
			name: "final result",
			in:   `{"header":{"event":"result-generated"},"payload":{"output":{"sentence":{"text":"hello","sentence_end":true}}}}`,
			want: asr.Event{Kind: asr.EventResultGenerated, Text: "hello", SentenceEnd: true},
		},
		{
			name: "heartbeat",
			in:   `{"header":{"event":"result-generated"},"payload":{"output":{"sentence":{"text":"","heartbeat":true}}}}`,
			want: asr.Event{Kind: asr.EventResultGenerated, Heartbeat: true},
		},
		{
			name: "task failed",
			in:   `{"header":{"event":"task-failed","task_id":"t","error_code":"CLIENT_ERROR","error_message":"bad audio"}}`,
			want: asr.Event{Kind: asr.EventTaskFailed, TaskID: "t", ErrorCode: "CLIENT_ERROR", ErrorMessage: "bad audio"},
		},
		{
			name: "unknown kind passes through",
			in:   `{"header":{"event":"something-new"}}`,
			want: asr.Event{Kind: "something-new"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := asr.ParseEvent([]byte(tc.in))
			if err != nil {
				t.Fatalf("ParseEvent: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{`not json`, `{}`, `{"header":{}}`, `[1,2]`} {
		if _, err := asr.ParseEvent([]byte(in)); err == nil {
			t.Errorf("ParseEvent(%q) succeeded, want error", in)
		}
	}
}

func TestTaskError(t *testing.T) {
	t.Parallel()

	var err error = &asr.TaskError{Code: "X", Message: "boom"}
	if !errors.Is(err, asr.ErrTaskFailed) {
		t.Error("TaskError does not match ErrTaskFailed")
	}
	if err.Error() != "asr: task failed: X: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}
