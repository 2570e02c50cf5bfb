package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/cua/internal/fault"
	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// vlmSystemPrompt instructs chat-completions vision models to answer with a
// single strict JSON object in the canonical action schema.
const vlmSystemPrompt = `You are controlling a computer. You see the current screen as an image.
Respond with exactly one JSON object and nothing else:

{"action": {"type": "<action>", ...}, "reasoning": "<short thought>", "done": <bool>}

Actions: click{button,x,y}, double_click{x,y}, drag{path:[{x,y},...]},
move{x,y}, scroll{x,y,scroll_x,scroll_y}, keypress{keys:[...]}, type{text},
screenshot{}, wait{}.
Coordinates are pixels in the image you see. Set "done": true with no action
when the task is finished, and use "reasoning" to explain the final state.`

// VLM is the generic adapter for chat-completions vision models: local
// huggingface servers, ollama, mlx, or any OpenAI-compatible endpoint. It
// sends the latest screenshot plus the task context and parses the model's
// JSON reply into a canonical computer_call. Parse failures surface as a
// noop function_call so the orchestrator can decide whether to retry.
type VLM struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewVLM builds the adapter, routing the endpoint by provider prefix.
func NewVLM(cfg llm.ProviderConfig) (llm.Loop, error) {
	var baseURL, keyEnv string
	switch cfg.Provider {
	case "ollama_chat":
		baseURL = cfg.Env.GetDefault("OLLAMA_BASE_URL", "http://localhost:11434/v1")
		keyEnv = "OLLAMA_API_KEY"
	case "mlx":
		baseURL = cfg.Env.GetDefault("MLX_BASE_URL", "http://localhost:8000/v1")
		keyEnv = "MLX_API_KEY"
	case "huggingface-local":
		baseURL = cfg.Env.GetDefault("HF_LOCAL_BASE_URL", "http://localhost:8080/v1")
		keyEnv = "HF_TOKEN"
	default:
		baseURL = cfg.Env.GetDefault("OPENAI_BASE_URL", defaultOpenAIBaseURL)
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := cfg.Env.GetDefault(keyEnv, "unused")

	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = baseURL
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s: model name is required", cfg.Provider)
	}
	return &VLM{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: cfg.Logger,
	}, nil
}

// Step sends the task, recent conversation text and the latest screenshot,
// then decodes the JSON reply.
func (p *VLM) Step(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: vlmSystemPrompt},
		},
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}

	scale := 1.0
	userParts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: vlmTranscript(req.Messages)},
	}
	if shot := llm.LastScreenshot(req.Messages); shot != "" {
		scaled, s := downscaleDataURL(shot)
		scale = s
		userParts = append(userParts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: scaled, Detail: openai.ImageURLDetailAuto},
		})
	}
	chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: userParts,
	})

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyOpenAIError("vlm.chat", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.Targetf("vlm.chat", "empty choices from %s", p.model)
	}

	usage := models.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		ResponseCost:     estimateCost(p.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	return &llm.ChatResponse{
		Messages: ParseVLMReply(resp.Choices[0].Message.Content, scale),
		Usage:    usage,
	}, nil
}

// vlmReply is the strict shape the system prompt demands.
type vlmReply struct {
	Action    *models.Action `json:"action"`
	Reasoning string         `json:"reasoning"`
	Done      bool           `json:"done"`
}

// ParseVLMReply decodes a model reply into canonical messages. Code fences
// and trailing prose are tolerated; anything unparseable becomes a noop
// function_call carrying the error, which the orchestrator feeds back.
// Coordinates are rescaled from the (possibly downscaled) image space to
// display pixels.
func ParseVLMReply(text string, scale float64) []models.Message {
	object, ok := extractJSONObject(text)
	if !ok {
		return []models.Message{noopCall(fmt.Sprintf("no JSON object in reply: %s", truncateForLog(text, 200)))}
	}
	var reply vlmReply
	if err := json.Unmarshal([]byte(object), &reply); err != nil {
		return []models.Message{noopCall(fmt.Sprintf("invalid JSON: %v", err))}
	}

	var out []models.Message
	if reply.Reasoning != "" {
		out = append(out, models.Message{
			Type:    models.MessageReasoning,
			Summary: []models.ContentPart{{Type: models.ContentSummaryText, Text: reply.Reasoning}},
		})
	}
	if reply.Action != nil && !reply.Done {
		action := rescaleAction(*reply.Action, scale)
		if err := action.Validate(); err != nil {
			return append(out, noopCall(fmt.Sprintf("invalid action: %v", err)))
		}
		return append(out, models.Message{
			Type:   models.MessageComputerCall,
			CallID: "call_" + uuid.NewString(),
			Status: models.CallCompleted,
			Action: &action,
		})
	}

	final := reply.Reasoning
	if final == "" {
		final = "Task completed."
	}
	return append(out, models.AssistantText(final))
}

func rescaleAction(action models.Action, scale float64) models.Action {
	if scale == 1 || scale <= 0 {
		return action
	}
	inv := 1 / scale
	action.X = int(float64(action.X) * inv)
	action.Y = int(float64(action.Y) * inv)
	if len(action.Path) > 0 {
		path := make([]models.Point, len(action.Path))
		for i, pt := range action.Path {
			path[i] = models.Point{X: int(float64(pt.X) * inv), Y: int(float64(pt.Y) * inv)}
		}
		action.Path = path
	}
	return action
}

func noopCall(reason string) models.Message {
	args, _ := json.Marshal(map[string]string{"error": reason})
	return models.Message{
		Type:      models.MessageFunctionCall,
		CallID:    "call_" + uuid.NewString(),
		Status:    models.CallCompleted,
		Name:      "noop",
		Arguments: string(args),
	}
}

// vlmTranscript flattens the conversation into a compact text context: the
// task plus recent assistant/reasoning lines. Screenshots travel separately.
func vlmTranscript(messages []models.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Type {
		case models.MessageUser:
			if text := msg.Text(); text != "" {
				fmt.Fprintf(&b, "Task: %s\n", text)
			}
		case models.MessageAssistant:
			if text := msg.Text(); text != "" {
				fmt.Fprintf(&b, "Previously: %s\n", text)
			}
		case models.MessageComputerCall:
			if msg.Action != nil {
				fmt.Fprintf(&b, "Did: %s\n", msg.Action.Type)
			}
		}
	}
	if b.Len() == 0 {
		return "Decide the next action."
	}
	return b.String()
}

// classifyOpenAIError maps go-openai errors onto the fault taxonomy.
func classifyOpenAIError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fault.ClassifyStatus(op, apiErr.HTTPStatusCode, apiErr.Message)
	}
	return fault.Transport(op, err)
}
