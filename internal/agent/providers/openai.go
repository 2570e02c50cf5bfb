package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/cua/internal/fault"
	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "computer-use-preview"
)

// OpenAIComputerUse drives OpenAI's Responses API with the
// computer_use_preview tool. The adapter keeps the previous response ID
// across turns of a run so the server retains reasoning state, and sends
// only the items appended since the last round-trip once an ID exists.
//
// The Responses API has no client in the go-openai pin this module uses, so
// the adapter speaks JSON over HTTP directly.
type OpenAIComputerUse struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	logger  *slog.Logger

	prevResponseID string
	sentMessages   int
}

// NewOpenAIComputerUse builds the adapter from the request environment.
func NewOpenAIComputerUse(cfg llm.ProviderConfig) (llm.Loop, error) {
	apiKey := cfg.Env.Get("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("openai: OPENAI_API_KEY is not set")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIComputerUse{
		client:  &http.Client{Timeout: 10 * time.Minute},
		baseURL: cfg.Env.GetDefault("OPENAI_BASE_URL", defaultOpenAIBaseURL),
		apiKey:  apiKey,
		model:   model,
		logger:  cfg.Logger,
	}, nil
}

// Wire shapes for the Responses API. Only the fields the adapter reads and
// writes are declared; everything else passes through untouched.

type oaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type oaiItem struct {
	Type    string           `json:"type,omitempty"`
	Role    string           `json:"role,omitempty"`
	Content []oaiContentPart `json:"content,omitempty"`

	CallID string          `json:"call_id,omitempty"`
	Status string          `json:"status,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`

	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Summary []oaiContentPart `json:"summary,omitempty"`

	PendingSafetyChecks      []models.SafetyCheck `json:"pending_safety_checks,omitempty"`
	AcknowledgedSafetyChecks []models.SafetyCheck `json:"acknowledged_safety_checks,omitempty"`
}

type oaiTool struct {
	Type          string `json:"type"`
	DisplayWidth  int    `json:"display_width,omitempty"`
	DisplayHeight int    `json:"display_height,omitempty"`
	Environment   string `json:"environment,omitempty"`
}

type oaiRequest struct {
	Model              string    `json:"model"`
	Input              []oaiItem `json:"input"`
	Tools              []oaiTool `json:"tools"`
	Truncation         string    `json:"truncation"`
	PreviousResponseID string    `json:"previous_response_id,omitempty"`
	MaxOutputTokens    int       `json:"max_output_tokens,omitempty"`
}

type oaiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type oaiResponse struct {
	ID     string    `json:"id"`
	Output []oaiItem `json:"output"`
	Usage  oaiUsage  `json:"usage"`
	Error  *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Step executes one Responses round-trip.
func (p *OpenAIComputerUse) Step(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	window := req.Messages
	if p.prevResponseID != "" && p.sentMessages <= len(window) {
		window = window[p.sentMessages:]
	}
	input, err := p.encodeItems(window)
	if err != nil {
		return nil, fault.Target("openai.encode", err)
	}

	body := oaiRequest{
		Model: p.model,
		Input: input,
		Tools: []oaiTool{{
			Type:          "computer_use_preview",
			DisplayWidth:  req.Display.Width,
			DisplayHeight: req.Display.Height,
			Environment:   environmentForOS(string(req.Display.OS)),
		}},
		Truncation:         "auto",
		PreviousResponseID: p.prevResponseID,
		MaxOutputTokens:    req.MaxTokens,
	}

	resp, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}

	messages, err := p.decodeOutput(resp.Output)
	if err != nil {
		return nil, fault.Target("openai.decode", err)
	}

	p.prevResponseID = resp.ID
	p.sentMessages = len(req.Messages) + len(messages)

	return &llm.ChatResponse{
		Messages: messages,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			ResponseCost:     estimateCost(p.model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		},
	}, nil
}

func (p *OpenAIComputerUse) post(ctx context.Context, body oaiRequest) (*oaiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fault.Target("openai.encode", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Target("openai.request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.Transport("openai.responses", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<20))
	if err != nil {
		return nil, fault.Transport("openai.responses", err)
	}
	if err := fault.ClassifyStatus("openai.responses", httpResp.StatusCode, truncateForLog(string(raw), 512)); err != nil {
		return nil, err
	}

	var resp oaiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Target("openai.decode", err)
	}
	if resp.Error != nil {
		return nil, fault.Targetf("openai.responses", "%s: %s", resp.Error.Type, resp.Error.Message)
	}
	return &resp, nil
}

// encodeItems converts canonical messages into Responses input items. The
// canonical action schema matches the computer-use wire shape, so actions
// re-encode directly.
func (p *OpenAIComputerUse) encodeItems(messages []models.Message) ([]oaiItem, error) {
	items := make([]oaiItem, 0, len(messages))
	for _, msg := range messages {
		switch msg.Type {
		case models.MessageUser, models.MessageAssistant:
			role := "user"
			if msg.Type == models.MessageAssistant {
				role = "assistant"
			}
			parts := make([]oaiContentPart, 0, len(msg.Content))
			for _, part := range msg.Content {
				parts = append(parts, oaiContentPart{
					Type:     string(part.Type),
					Text:     part.Text,
					ImageURL: part.ImageURL,
				})
			}
			items = append(items, oaiItem{Role: role, Content: parts})
		case models.MessageReasoning:
			// Server-side state: reasoning is never resent.
		case models.MessageComputerCall:
			action, err := json.Marshal(msg.Action)
			if err != nil {
				return nil, err
			}
			items = append(items, oaiItem{
				Type:                "computer_call",
				CallID:              msg.CallID,
				Status:              "completed",
				Action:              action,
				PendingSafetyChecks: msg.PendingSafetyChecks,
			})
		case models.MessageComputerCallOutput:
			var output json.RawMessage
			if msg.Output != nil {
				part := oaiContentPart{
					Type:     string(msg.Output.Type),
					Text:     msg.Output.Text,
					ImageURL: msg.Output.ImageURL,
				}
				if part.Type == string(models.ContentInputText) {
					// Elided screenshots travel as plain text output.
					part.Type = "input_text"
				}
				encoded, err := json.Marshal(part)
				if err != nil {
					return nil, err
				}
				output = encoded
			}
			items = append(items, oaiItem{
				Type:                     "computer_call_output",
				CallID:                   msg.CallID,
				Output:                   output,
				AcknowledgedSafetyChecks: msg.AcknowledgedSafetyChecks,
			})
		case models.MessageFunctionCall:
			items = append(items, oaiItem{
				Type:      "function_call",
				CallID:    msg.CallID,
				Name:      msg.Name,
				Arguments: msg.Arguments,
			})
		case models.MessageFunctionCallOutput:
			encoded, err := json.Marshal(msg.Result)
			if err != nil {
				return nil, err
			}
			items = append(items, oaiItem{
				Type:   "function_call_output",
				CallID: msg.CallID,
				Output: encoded,
			})
		}
	}
	return items, nil
}

// decodeOutput converts Responses output items into canonical messages.
// Unknown item types are skipped: the adapter sits inside the trust
// boundary.
func (p *OpenAIComputerUse) decodeOutput(items []oaiItem) ([]models.Message, error) {
	out := make([]models.Message, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case "message", "":
			parts := make([]models.ContentPart, 0, len(item.Content))
			for _, c := range item.Content {
				if c.Type == "output_text" || c.Type == "text" {
					parts = append(parts, models.OutputTextPart(c.Text))
				}
			}
			if len(parts) > 0 {
				out = append(out, models.Message{Type: models.MessageAssistant, Content: parts})
			}
		case "reasoning":
			parts := make([]models.ContentPart, 0, len(item.Summary))
			for _, s := range item.Summary {
				parts = append(parts, models.ContentPart{Type: models.ContentSummaryText, Text: s.Text})
			}
			if len(parts) > 0 {
				out = append(out, models.Message{Type: models.MessageReasoning, Summary: parts})
			}
		case "computer_call":
			var action models.Action
			if err := json.Unmarshal(item.Action, &action); err != nil {
				return nil, fmt.Errorf("computer_call %s: %w", item.CallID, err)
			}
			if err := action.Validate(); err != nil {
				return nil, fmt.Errorf("computer_call %s: %w", item.CallID, err)
			}
			out = append(out, models.Message{
				Type:                models.MessageComputerCall,
				CallID:              item.CallID,
				Status:              models.CallStatus(item.Status),
				Action:              &action,
				PendingSafetyChecks: item.PendingSafetyChecks,
			})
		case "function_call":
			out = append(out, models.Message{
				Type:      models.MessageFunctionCall,
				CallID:    item.CallID,
				Status:    models.CallStatus(item.Status),
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		default:
			if p.logger != nil {
				p.logger.Debug("skipping unknown response item", "type", item.Type)
			}
		}
	}
	return out, nil
}
