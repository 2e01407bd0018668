package asr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Upstream actions and streaming mode.
const (
	actionRunTask    = "run-task"
	actionFinishTask = "finish-task"
	streamingDuplex  = "duplex"
)

// EventKind classifies an upstream event frame by its header.event field.
type EventKind string

const (
	EventTaskStarted     EventKind = "task-started"
	EventResultGenerated EventKind = "result-generated"
	EventTaskFinished    EventKind = "task-finished"
	EventTaskFailed      EventKind = "task-failed"
)

// Event is one decoded upstream event frame.
type Event struct {
	Kind   EventKind
	TaskID string

	// Result fields, set for EventResultGenerated.
	Text        string
	SentenceEnd bool
	Heartbeat   bool

	// Failure fields, set for EventTaskFailed.
	ErrorCode    string
	ErrorMessage string
}

// TaskError is the failure reported by a task-failed event.
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	if e.Code == "" {
		return "asr: task failed: " + e.Message
	}
	return fmt.Sprintf("asr: task failed: %s: %s", e.Code, e.Message)
}

// Unwrap makes errors.Is(err, ErrTaskFailed) hold for task errors.
func (e *TaskError) Unwrap() error { return ErrTaskFailed }

// ---- outbound frames ----

type header struct {
	Action    string `json:"action,omitempty"`
	TaskID    string `json:"task_id"`
	Streaming string `json:"streaming"`
}

type taskParameters struct {
	Format                          string `json:"format"`
	SampleRate                      int    `json:"sample_rate"`
	DisfluencyRemovalEnabled        bool   `json:"disfluency_removal_enabled"`
	PunctuationPredictionEnabled    bool   `json:"punctuation_prediction_enabled"`
	InverseTextNormalizationEnabled bool   `json:"inverse_text_normalization_enabled"`
}

type runTaskPayload struct {
	TaskGroup  string         `json:"task_group"`
	Task       string         `json:"task"`
	Function   string         `json:"function"`
	Model      string         `json:"model"`
	Parameters taskParameters `json:"parameters"`
	Input      struct{}       `json:"input"`
}

type runTaskCommand struct {
	Header  header         `json:"header"`
	Payload runTaskPayload `json:"payload"`
}

type finishTaskCommand struct {
	Header  header `json:"header"`
	Payload struct {
		Input struct{} `json:"input"`
	} `json:"payload"`
}

// RunTaskCommand encodes the frame that opens a recognition task for 16-bit
// mono PCM at sampleRate. Punctuation prediction and inverse text
// normalisation are on; disfluency removal is off.
func RunTaskCommand(taskID, model string, sampleRate int) []byte {
	cmd := runTaskCommand{
		Header: header{Action: actionRunTask, TaskID: taskID, Streaming: streamingDuplex},
		Payload: runTaskPayload{
			TaskGroup: "audio",
			Task:      "asr",
			Function:  "recognition",
			Model:     model,
			Parameters: taskParameters{
				Format:                          "pcm",
				SampleRate:                      sampleRate,
				DisfluencyRemovalEnabled:        false,
				PunctuationPredictionEnabled:    true,
				InverseTextNormalizationEnabled: true,
			},
		},
	}
	b, _ := json.Marshal(cmd) // plain structs never fail to marshal
	return b
}

// FinishTaskCommand encodes the frame that ends the task named by taskID.
func FinishTaskCommand(taskID string) []byte {
	var cmd finishTaskCommand
	cmd.Header = header{Action: actionFinishTask, TaskID: taskID, Streaming: streamingDuplex}
	b, _ := json.Marshal(cmd)
	return b
}

// ---- inbound frames ----

type eventFrame struct {
	Header struct {
		Event        string `json:"event"`
		TaskID       string `json:"task_id"`
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"header"`
	Payload struct {
		Output struct {
			Sentence *struct {
				Text        string `json:"text"`
				SentenceEnd bool   `json:"sentence_end"`
				Heartbeat   bool   `json:"heartbeat"`
			} `json:"sentence"`
		} `json:"output"`
	} `json:"payload"`
}

var errNoEvent = errors.New("asr: frame has no header.event")

// ParseEvent decodes an upstream text frame. Frames that are not JSON or
// carry no event name return an error; unknown event names are returned as
// is for the caller to ignore.
func ParseEvent(data []byte) (Event, error) {
	var f eventFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("asr: parse event: %w", err)
	}
	if f.Header.Event == "" {
		return Event{}, errNoEvent
	}
	ev := Event{
		Kind:         EventKind(f.Header.Event),
		TaskID:       f.Header.TaskID,
		ErrorCode:    f.Header.ErrorCode,
		ErrorMessage: f.Header.ErrorMessage,
	}
	if s := f.Payload.Output.Sentence; s != nil {
		ev.Text = s.Text
		ev.SentenceEnd = s.SentenceEnd
		ev.Heartbeat = s.Heartbeat
	}
	return ev, nil
}
