package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/haasonsaas/cua/internal/fault"
	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-3-5-sonnet-20241022"
	defaultAnthropicMaxTokens = 4096

	computerToolName = "computer"
)

const anthropicSystemPrompt = "You are controlling a computer through the " +
	"computer tool. Work toward the user's task one action at a time, taking " +
	"a screenshot after each action to verify the result. When the task is " +
	"finished, reply with a short summary and stop calling tools."

// AnthropicComputerUse drives Claude's beta computer-use tool. Tool-use
// blocks named "computer" decode into canonical computer calls; screenshots
// return to the model as tool results with base64 image content. When the
// request carries a cache hint, the trailing messages are marked with
// ephemeral cache control.
type AnthropicComputerUse struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropicComputerUse builds the adapter from the request environment.
func NewAnthropicComputerUse(cfg llm.ProviderConfig) (llm.Loop, error) {
	apiKey := cfg.Env.Get("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY is not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if base := cfg.Env.Get("ANTHROPIC_BASE_URL"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicComputerUse{
		client: anthropic.NewClient(opts...),
		model:  model,
		logger: cfg.Logger,
	}, nil
}

// Step executes one beta messages round-trip.
func (p *AnthropicComputerUse) Step(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fault.Target("anthropic.encode", err)
	}
	if req.CacheHint > 0 {
		markCacheBoundary(messages, req.CacheHint)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
		System: []anthropic.BetaTextBlockParam{{
			Type: "text",
			Text: anthropicSystemPrompt,
		}},
		Tools: []anthropic.BetaToolUnionParam{
			anthropic.BetaToolUnionParamOfComputerUseTool20250124(
				int64(req.Display.Height), int64(req.Display.Width)),
		},
		Betas: []anthropic.AnthropicBeta{anthropic.AnthropicBetaComputerUse2025_01_24},
	}

	resp, err := p.client.Beta.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.classify(err)
	}

	out, err := p.decodeContent(resp)
	if err != nil {
		return nil, fault.Target("anthropic.decode", err)
	}

	prompt := int(resp.Usage.InputTokens)
	completion := int(resp.Usage.OutputTokens)
	return &llm.ChatResponse{
		Messages: out,
		Usage: models.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
			ResponseCost:     estimateCost(p.model, prompt, completion),
		},
	}, nil
}

// classify maps SDK errors onto the taxonomy by status code.
func (p *AnthropicComputerUse) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fault.ClassifyStatus("anthropic.messages", apiErr.StatusCode, apiErr.Error())
	}
	return fault.Transport("anthropic.messages", err)
}

// convertMessages maps canonical history onto beta message params. Adjacent
// params with the same role are merged because the Messages API requires
// alternating roles.
func (p *AnthropicComputerUse) convertMessages(history []models.Message) ([]anthropic.BetaMessageParam, error) {
	var out []anthropic.BetaMessageParam
	appendBlocks := func(role anthropic.BetaMessageParamRole, blocks ...anthropic.BetaContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.BetaMessageParam{Role: role, Content: blocks})
	}

	for _, msg := range history {
		switch msg.Type {
		case models.MessageUser:
			var blocks []anthropic.BetaContentBlockParamUnion
			for _, part := range msg.Content {
				switch part.Type {
				case models.ContentInputText, models.ContentOutputText:
					blocks = append(blocks, anthropic.NewBetaTextBlock(part.Text))
				case models.ContentInputImage, models.ContentComputerScreenshot:
					if img := betaImageBlock(part.ImageURL); img != nil {
						blocks = append(blocks, anthropic.BetaContentBlockParamUnion{OfImage: img})
					}
				}
			}
			appendBlocks(anthropic.BetaMessageParamRoleUser, blocks...)
		case models.MessageAssistant:
			if text := msg.Text(); text != "" {
				appendBlocks(anthropic.BetaMessageParamRoleAssistant, anthropic.NewBetaTextBlock(text))
			}
		case models.MessageReasoning:
			// Thinking blocks cannot be replayed without their signatures.
		case models.MessageComputerCall:
			input, err := anthropicToolInput(msg.Action)
			if err != nil {
				return nil, err
			}
			appendBlocks(anthropic.BetaMessageParamRoleAssistant,
				anthropic.NewBetaToolUseBlock(msg.CallID, input, computerToolName))
		case models.MessageComputerCallOutput:
			block := anthropic.BetaToolResultBlockParam{ToolUseID: msg.CallID}
			if msg.Output != nil {
				switch msg.Output.Type {
				case models.ContentComputerScreenshot:
					if img := betaImageBlock(msg.Output.ImageURL); img != nil {
						block.Content = []anthropic.BetaToolResultBlockParamContentUnion{{OfImage: img}}
					}
				default:
					block.Content = []anthropic.BetaToolResultBlockParamContentUnion{
						{OfText: &anthropic.BetaTextBlockParam{Text: msg.Output.Text}},
					}
				}
			}
			appendBlocks(anthropic.BetaMessageParamRoleUser,
				anthropic.BetaContentBlockParamUnion{OfToolResult: &block})
		case models.MessageFunctionCall:
			var input map[string]any
			if msg.Arguments != "" {
				if err := json.Unmarshal([]byte(msg.Arguments), &input); err != nil {
					input = map[string]any{"arguments": msg.Arguments}
				}
			}
			appendBlocks(anthropic.BetaMessageParamRoleAssistant,
				anthropic.NewBetaToolUseBlock(msg.CallID, input, msg.Name))
		case models.MessageFunctionCallOutput:
			block := anthropic.BetaToolResultBlockParam{
				ToolUseID: msg.CallID,
				Content: []anthropic.BetaToolResultBlockParamContentUnion{
					{OfText: &anthropic.BetaTextBlockParam{Text: msg.Result}},
				},
			}
			appendBlocks(anthropic.BetaMessageParamRoleUser,
				anthropic.BetaContentBlockParamUnion{OfToolResult: &block})
		}
	}
	return out, nil
}

// markCacheBoundary sets ephemeral cache control on the final block of the
// last window messages.
func markCacheBoundary(messages []anthropic.BetaMessageParam, window int) {
	marked := 0
	for i := len(messages) - 1; i >= 0 && marked < window; i-- {
		content := messages[i].Content
		for j := len(content) - 1; j >= 0; j-- {
			if content[j].OfText != nil {
				content[j].OfText.CacheControl = anthropic.BetaCacheControlEphemeralParam{}
				marked++
				break
			}
			if content[j].OfToolResult != nil {
				content[j].OfToolResult.CacheControl = anthropic.BetaCacheControlEphemeralParam{}
				marked++
				break
			}
		}
	}
}

func betaImageBlock(url string) *anthropic.BetaImageBlockParam {
	if mediaType, payload, ok := dataURLPayload(url); ok {
		mt, valid := betaMediaType(mediaType)
		if !valid {
			return nil
		}
		return &anthropic.BetaImageBlockParam{
			Source: anthropic.BetaImageBlockParamSourceUnion{
				OfBase64: &anthropic.BetaBase64ImageSourceParam{Data: payload, MediaType: mt},
			},
		}
	}
	if strings.HasPrefix(url, "http") {
		return &anthropic.BetaImageBlockParam{
			Source: anthropic.BetaImageBlockParamSourceUnion{
				OfURL: &anthropic.BetaURLImageSourceParam{URL: url},
			},
		}
	}
	return nil
}

func betaMediaType(mediaType string) (anthropic.BetaBase64ImageSourceMediaType, bool) {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return anthropic.BetaBase64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.BetaBase64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.BetaBase64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.BetaBase64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

// decodeContent converts response blocks into canonical messages.
func (p *AnthropicComputerUse) decodeContent(resp *anthropic.BetaMessage) ([]models.Message, error) {
	var out []models.Message
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.BetaTextBlock:
			if variant.Text != "" {
				out = append(out, models.AssistantText(variant.Text))
			}
		case anthropic.BetaThinkingBlock:
			if variant.Thinking != "" {
				out = append(out, models.Message{
					Type:    models.MessageReasoning,
					Summary: []models.ContentPart{{Type: models.ContentSummaryText, Text: variant.Thinking}},
				})
			}
		case anthropic.BetaToolUseBlock:
			raw := json.RawMessage(variant.JSON.Input.Raw())
			if variant.Name == computerToolName {
				action, err := anthropicActionFromInput(raw)
				if err != nil {
					return nil, fmt.Errorf("tool_use %s: %w", variant.ID, err)
				}
				out = append(out, models.Message{
					Type:   models.MessageComputerCall,
					CallID: variant.ID,
					Status: models.CallCompleted,
					Action: action,
				})
				continue
			}
			out = append(out, models.Message{
				Type:      models.MessageFunctionCall,
				CallID:    variant.ID,
				Status:    models.CallCompleted,
				Name:      variant.Name,
				Arguments: string(raw),
			})
		default:
			if p.logger != nil {
				p.logger.Debug("skipping unknown content block", "type", fmt.Sprintf("%T", variant))
			}
		}
	}
	return out, nil
}
