// Package models defines the canonical wire schema for the computer-use
// orchestration core: messages, content parts, actions, and usage accounting.
//
// Every adapter converts provider-native shapes to and from these types at its
// boundary; nothing provider-specific crosses into the rest of the core. The
// JSON encoding is the single source of truth for the proxy surface and the
// trajectory format. Decoding is tolerant (unknown fields are ignored) while
// unknown variants are rejected, which keeps the trust boundary strict without
// making the schema brittle across versions.
package models

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a canonical message variant.
type MessageType string

const (
	MessageUser               MessageType = "user"
	MessageAssistant          MessageType = "assistant"
	MessageReasoning          MessageType = "reasoning"
	MessageComputerCall       MessageType = "computer_call"
	MessageComputerCallOutput MessageType = "computer_call_output"
	MessageFunctionCall       MessageType = "function_call"
	MessageFunctionCallOutput MessageType = "function_call_output"
)

// ContentType identifies a content part variant.
type ContentType string

const (
	ContentInputText          ContentType = "input_text"
	ContentInputImage         ContentType = "input_image"
	ContentOutputText         ContentType = "output_text"
	ContentSummaryText        ContentType = "summary_text"
	ContentComputerScreenshot ContentType = "computer_screenshot"
)

// ContentPart is one element of a message content list.
type ContentPart struct {
	Type ContentType `json:"type"`

	// Text carries input_text, output_text and summary_text payloads.
	Text string `json:"text,omitempty"`

	// ImageURL carries input_image and computer_screenshot payloads as a
	// data URL or HTTPS URL.
	ImageURL string `json:"image_url,omitempty"`
}

// TextPart builds an input_text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentInputText, Text: text}
}

// ImagePart builds an input_image content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: ContentInputImage, ImageURL: url}
}

// OutputTextPart builds an output_text content part.
func OutputTextPart(text string) ContentPart {
	return ContentPart{Type: ContentOutputText, Text: text}
}

// ScreenshotPart builds a computer_screenshot content part.
func ScreenshotPart(url string) ContentPart {
	return ContentPart{Type: ContentComputerScreenshot, ImageURL: url}
}

// CallStatus reports the lifecycle of a computer or function call.
type CallStatus string

const (
	CallCompleted  CallStatus = "completed"
	CallInProgress CallStatus = "in_progress"
)

// SafetyCheck is a provider-raised safety check pending acknowledgement. The
// core echoes checks unchanged; policy decisions belong to callbacks.
type SafetyCheck struct {
	ID      string `json:"id"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Message is the canonical tagged message record. Type selects the variant;
// the variant determines which fields are populated. Messages are immutable
// once emitted: rewriting hooks return fresh values instead of mutating.
type Message struct {
	Type MessageType

	// Content holds the parts of user and assistant messages.
	Content []ContentPart

	// Summary holds the summary_text parts of a reasoning message.
	Summary []ContentPart

	// CallID links computer_call/function_call messages to their outputs.
	CallID string

	// Status applies to computer_call and function_call.
	Status CallStatus

	// Action is the requested action of a computer_call.
	Action *Action

	// Output is the computer_screenshot part of a computer_call_output.
	Output *ContentPart

	// PendingSafetyChecks are provider safety checks carried on a
	// computer_call and echoed back with its output.
	PendingSafetyChecks []SafetyCheck

	// AcknowledgedSafetyChecks are echoed on a computer_call_output.
	AcknowledgedSafetyChecks []SafetyCheck

	// Name and Arguments describe a function_call. Arguments is a JSON
	// string as produced by the model.
	Name      string
	Arguments string

	// Result is the stringified output of a function_call_output.
	Result string
}

// messageWire is the JSON envelope for all message variants. Output is raw
// because it is a content part for computer_call_output and a plain string
// for function_call_output.
type messageWire struct {
	Type                     MessageType     `json:"type"`
	Content                  json.RawMessage `json:"content,omitempty"`
	Summary                  []ContentPart   `json:"summary,omitempty"`
	CallID                   string          `json:"call_id,omitempty"`
	Status                   CallStatus      `json:"status,omitempty"`
	Action                   *Action         `json:"action,omitempty"`
	Output                   json.RawMessage `json:"output,omitempty"`
	PendingSafetyChecks      []SafetyCheck   `json:"pending_safety_checks,omitempty"`
	AcknowledgedSafetyChecks []SafetyCheck   `json:"acknowledged_safety_checks,omitempty"`
	Name                     string          `json:"name,omitempty"`
	Arguments                string          `json:"arguments,omitempty"`
}

// MarshalJSON encodes the variant to its stable wire shape.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{Type: m.Type, CallID: m.CallID}
	switch m.Type {
	case MessageUser, MessageAssistant:
		content, err := json.Marshal(m.Content)
		if err != nil {
			return nil, err
		}
		w.Content = content
	case MessageReasoning:
		w.Summary = m.Summary
	case MessageComputerCall:
		w.Status = m.Status
		w.Action = m.Action
		w.PendingSafetyChecks = m.PendingSafetyChecks
	case MessageComputerCallOutput:
		if m.Output != nil {
			out, err := json.Marshal(m.Output)
			if err != nil {
				return nil, err
			}
			w.Output = out
		}
		w.AcknowledgedSafetyChecks = m.AcknowledgedSafetyChecks
	case MessageFunctionCall:
		w.Status = m.Status
		w.Name = m.Name
		w.Arguments = m.Arguments
	case MessageFunctionCallOutput:
		out, err := json.Marshal(m.Result)
		if err != nil {
			return nil, err
		}
		w.Output = out
	default:
		return nil, fmt.Errorf("models: cannot encode unknown message type %q", m.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a canonical message. Unknown fields are ignored.
// User content given as a bare JSON string is lifted into a single input_text
// part, matching what callers send at the HTTP boundary.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		Type:                     w.Type,
		Summary:                  w.Summary,
		CallID:                   w.CallID,
		Status:                   w.Status,
		Action:                   w.Action,
		PendingSafetyChecks:      w.PendingSafetyChecks,
		AcknowledgedSafetyChecks: w.AcknowledgedSafetyChecks,
		Name:                     w.Name,
		Arguments:                w.Arguments,
	}
	switch w.Type {
	case MessageUser, MessageAssistant:
		if len(w.Content) == 0 {
			break
		}
		var parts []ContentPart
		if err := json.Unmarshal(w.Content, &parts); err == nil {
			m.Content = parts
			break
		}
		var text string
		if err := json.Unmarshal(w.Content, &text); err != nil {
			return fmt.Errorf("models: %s content must be a string or content part list", w.Type)
		}
		m.Content = []ContentPart{TextPart(text)}
	case MessageComputerCallOutput:
		if len(w.Output) > 0 {
			var part ContentPart
			if err := json.Unmarshal(w.Output, &part); err != nil {
				return fmt.Errorf("models: computer_call_output output: %w", err)
			}
			m.Output = &part
		}
	case MessageFunctionCallOutput:
		if len(w.Output) > 0 {
			if err := json.Unmarshal(w.Output, &m.Result); err != nil {
				return fmt.Errorf("models: function_call_output output must be a string: %w", err)
			}
		}
	}
	return nil
}

// Validate checks the variant-specific requirements. It is applied strictly at
// the trust boundary; trusted adapters may skip messages that fail it.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageUser, MessageAssistant, MessageReasoning:
		// content may legitimately be empty
	case MessageComputerCall:
		if m.CallID == "" {
			return fmt.Errorf("models: computer_call requires call_id")
		}
		if m.Action == nil {
			return fmt.Errorf("models: computer_call requires action")
		}
		return m.Action.Validate()
	case MessageComputerCallOutput:
		if m.CallID == "" {
			return fmt.Errorf("models: computer_call_output requires call_id")
		}
	case MessageFunctionCall:
		if m.CallID == "" {
			return fmt.Errorf("models: function_call requires call_id")
		}
		if m.Name == "" {
			return fmt.Errorf("models: function_call requires name")
		}
	case MessageFunctionCallOutput:
		if m.CallID == "" {
			return fmt.Errorf("models: function_call_output requires call_id")
		}
	case "":
		return fmt.Errorf("models: message type is required")
	default:
		return fmt.Errorf("models: unknown message type %q", m.Type)
	}
	return nil
}

// UserText builds a user message with a single text part.
func UserText(text string) Message {
	return Message{Type: MessageUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantText builds an assistant message with a single output_text part.
func AssistantText(text string) Message {
	return Message{Type: MessageAssistant, Content: []ContentPart{OutputTextPart(text)}}
}

// Text flattens the text content of user, assistant and reasoning messages.
func (m *Message) Text() string {
	var out string
	parts := m.Content
	if m.Type == MessageReasoning {
		parts = m.Summary
	}
	for _, p := range parts {
		if p.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// DecodeMessages parses a JSON array of canonical messages, validating each.
// Used at the trust boundary; invalid variants are rejected, not skipped.
func DecodeMessages(data []byte) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		if err := msgs[i].Validate(); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
	}
	return msgs, nil
}
