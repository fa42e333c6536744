package queue

import (
	"encoding/json"

	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// Persisted event payload shapes. Data is stored as JSON text so the event
// log replays without schema knowledge of every variant.

type textPayload struct {
	Text string `json:"text"`
}

type toolStartPayload struct {
	ID      string `json:"id"`
	Tool    string `json:"tool"`
	Summary string `json:"summary,omitempty"`
}

type toolInputPayload struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

type toolEndPayload struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// marshalActivity maps a decoder event to its persisted type and payload.
func marshalActivity(ev types.ActivityEvent) (string, string) {
	switch ev.Kind {
	case types.ActivityText:
		return types.EventText, mustJSON(textPayload{Text: ev.Text})
	case types.ActivityToolStart:
		return types.EventToolStart, mustJSON(toolStartPayload{ID: ev.ToolID, Tool: ev.Tool, Summary: ev.Summary})
	case types.ActivityToolInput:
		return types.EventToolInput, mustJSON(toolInputPayload{ID: ev.ToolID, Summary: ev.Summary})
	case types.ActivityToolEnd:
		return types.EventToolEnd, mustJSON(toolEndPayload{ID: ev.ToolID, Tool: ev.Tool, Status: ev.Status, Output: ev.Output})
	case types.ActivityAllComplete:
		return types.EventAllComplete, mustJSON(statusPayload{Status: ev.Status})
	}
	return string(ev.Kind), ""
}

func statusData(status types.JobStatus) string {
	return mustJSON(statusPayload{Status: string(status)})
}

func errorData(message string) string {
	return mustJSON(errorPayload{Message: message})
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
