package agent

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// outputPreviewLen caps tool result previews persisted with tool_end events.
const outputPreviewLen = 120

// inputSummaryLen caps tool input summaries.
const inputSummaryLen = 80

var thinkingRe = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)

// streamRecord is one newline-delimited JSON record from the agent's
// stream-json output.
type streamRecord struct {
	Type         string         `json:"type"`
	Subtype      string         `json:"subtype,omitempty"`
	Message      *recordMessage `json:"message,omitempty"`
	ContentBlock *contentBlock  `json:"content_block,omitempty"`
	Delta        *blockDelta    `json:"delta,omitempty"`
	Index        int            `json:"index,omitempty"`
}

type recordMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type blockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// Decoder turns the agent's byte stream into ActivityEvents. It buffers
// input until newline boundaries and parses each complete line as one
// self-contained JSON record. Malformed lines are logged and skipped;
// unknown record types are no-ops. Feed and Close must be called from a
// single goroutine.
type Decoder struct {
	OnEvent func(types.ActivityEvent)
	OnPlan  func(types.Plan)
	Plans   PlanDetector
	Logf    func(format string, args ...any)

	buf bytes.Buffer

	// At most one tool's input is streamed at a time; these track it.
	openToolID   string
	openToolName string
	partialInput strings.Builder

	toolNames map[string]string // tool_use id -> tool name
}

// NewDecoder creates a Decoder emitting events to onEvent.
func NewDecoder(onEvent func(types.ActivityEvent)) *Decoder {
	return &Decoder{
		OnEvent:   onEvent,
		Plans:     DefaultPlanDetector(),
		toolNames: make(map[string]string),
	}
}

// Feed consumes a chunk of agent output. Chunk boundaries are arbitrary;
// a record split across reads decodes identically to one delivered whole.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		d.buf.Next(idx + 1)
		d.decodeLine(line)
	}
}

// Close flushes a trailing unterminated line.
func (d *Decoder) Close() {
	if d.buf.Len() > 0 {
		line := d.buf.Bytes()
		d.buf.Reset()
		d.decodeLine(line)
	}
}

func (d *Decoder) decodeLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var rec streamRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		d.logf("decoder: skipping malformed line: %v", err)
		return
	}

	switch rec.Type {
	case "assistant":
		d.decodeAssistant(&rec)
	case "content_block_start":
		d.decodeBlockStart(&rec)
	case "content_block_delta":
		d.decodeBlockDelta(&rec)
	case "content_block_stop":
		d.decodeBlockStop()
	case "result":
		status := "complete"
		if rec.Subtype == "error" {
			status = "error"
		}
		d.emit(types.ActivityEvent{Kind: types.ActivityAllComplete, Status: status})
	case "user":
		d.decodeToolResults(&rec)
	}
}

func (d *Decoder) decodeAssistant(rec *streamRecord) {
	if rec.Message == nil {
		return
	}
	for _, block := range rec.Message.Content {
		switch block.Type {
		case "text":
			d.emitText(block.Text)
		case "tool_use":
			d.toolNames[block.ID] = block.Name
			input := parseToolInput(block.Input)
			d.emit(types.ActivityEvent{
				Kind:    types.ActivityToolStart,
				ToolID:  block.ID,
				Tool:    block.Name,
				Summary: summarizeInput(input),
			})
			d.detectPlan(block.Name, input)
		}
	}
}

func (d *Decoder) decodeBlockStart(rec *streamRecord) {
	block := rec.ContentBlock
	if block == nil || block.Type != "tool_use" {
		return
	}
	d.openToolID = block.ID
	d.openToolName = block.Name
	d.partialInput.Reset()
	d.toolNames[block.ID] = block.Name
	d.emit(types.ActivityEvent{
		Kind:    types.ActivityToolStart,
		ToolID:  block.ID,
		Tool:    block.Name,
		Summary: summarizeInput(parseToolInput(block.Input)),
	})
}

func (d *Decoder) decodeBlockDelta(rec *streamRecord) {
	if rec.Delta == nil {
		return
	}
	switch rec.Delta.Type {
	case "text_delta":
		d.emitText(rec.Delta.Text)
	case "input_json_delta":
		if d.openToolID != "" {
			d.partialInput.WriteString(rec.Delta.PartialJSON)
		}
	}
}

func (d *Decoder) decodeBlockStop() {
	if d.openToolID == "" {
		return
	}
	id, tool := d.openToolID, d.openToolName
	raw := d.partialInput.String()
	d.openToolID = ""
	d.openToolName = ""
	d.partialInput.Reset()

	input := parseToolInput(json.RawMessage(raw))
	if summary := summarizeInput(input); summary != "" {
		d.emit(types.ActivityEvent{Kind: types.ActivityToolInput, ToolID: id, Summary: summary})
	}
	d.detectPlan(tool, input)
}

func (d *Decoder) decodeToolResults(rec *streamRecord) {
	if rec.Message == nil {
		return
	}
	for _, block := range rec.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		tool, ok := d.toolNames[block.ToolUseID]
		if !ok {
			tool = "tool"
		}
		status := "ok"
		if block.IsError {
			status = "error"
		}
		d.emit(types.ActivityEvent{
			Kind:   types.ActivityToolEnd,
			ToolID: block.ToolUseID,
			Tool:   tool,
			Status: status,
			Output: resultPreview(block.Content),
		})
	}
}

func (d *Decoder) emitText(text string) {
	stripped := thinkingRe.ReplaceAllString(text, "")
	if strings.TrimSpace(stripped) == "" {
		return
	}
	d.emit(types.ActivityEvent{Kind: types.ActivityText, Text: stripped})
}

func (d *Decoder) emit(ev types.ActivityEvent) {
	if d.OnEvent != nil {
		d.OnEvent(ev)
	}
}

func (d *Decoder) detectPlan(tool string, input map[string]any) {
	if d.OnPlan == nil {
		return
	}
	if plan := d.Plans.Detect(tool, input); plan != nil {
		d.OnPlan(*plan)
	}
}

func (d *Decoder) logf(format string, args ...any) {
	if d.Logf != nil {
		d.Logf(format, args...)
	}
}

func parseToolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil
	}
	return input
}

// summarizeInput derives a short description of a tool invocation from its
// input, by priority: file path, shell command, search pattern.
func summarizeInput(input map[string]any) string {
	for _, key := range []string{"file_path", "command", "pattern"} {
		if v, ok := input[key].(string); ok && v != "" {
			return truncate(v, inputSummaryLen)
		}
	}
	return ""
}

// resultPreview derives a short preview from tool_result content, which is
// either a plain string or an array of content blocks.
func resultPreview(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return truncate(s, outputPreviewLen)
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, block := range blocks {
			if block.Type == "text" {
				return truncate(block.Text, outputPreviewLen)
			}
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	cut := maxLen - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
