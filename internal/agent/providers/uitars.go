package providers

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/cua/internal/fault"
	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// uiTarsBoxSpace is the coordinate space of box tokens: both loc tokens and
// box tuples address a virtual 1000x1000 screen and scale to display pixels.
const uiTarsBoxSpace = 1000

const uiTarsSystemPrompt = `You are a GUI agent. You are given a task and a screenshot of the screen.
Output exactly:

Thought: <one short sentence>
Action: <action>

Actions: click(start_box='<|box_start|>(x,y)<|box_end|>'),
left_double(start_box='...'), right_single(start_box='...'),
drag(start_box='...', end_box='...'), hotkey(key='ctrl c'),
type(content='...'), scroll(start_box='...', direction='down|up|left|right'),
wait(), finished(content='<summary>')`

// UITars adapts box-token models (UI-TARS and compatibles) served over any
// chat-completions endpoint. The model emits pseudo-function text whose
// coordinates live in a 1000-unit box space; the adapter parses them and
// scales to the bound display. It also grounds intents for composites.
type UITars struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewUITars builds the adapter on the same endpoint routing as the VLM
// adapter.
func NewUITars(cfg llm.ProviderConfig) (llm.Loop, error) {
	inner, err := NewVLM(cfg)
	if err != nil {
		return nil, err
	}
	vlm := inner.(*VLM)
	return &UITars{client: vlm.client, model: vlm.model, logger: cfg.Logger}, nil
}

// NewHuggingFaceLocal routes huggingface-local (and mlx) model names: box-
// token models get the UI-TARS parser, everything else the generic JSON VLM
// loop.
func NewHuggingFaceLocal(cfg llm.ProviderConfig) (llm.Loop, error) {
	if strings.Contains(strings.ToLower(cfg.Model), "ui-tars") {
		return NewUITars(cfg)
	}
	return NewVLM(cfg)
}

// Step sends the task and latest screenshot and parses the box-token reply.
func (p *UITars) Step(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := vlmTranscript(req.Messages)
	return p.complete(ctx, prompt, llm.LastScreenshot(req.Messages), req)
}

// Ground converts an intent plus screenshot into a concrete action; used as
// the grounder half of a composite.
func (p *UITars) Ground(ctx context.Context, screenshotPNG []byte, intent string, display llm.Display) (*models.Message, models.Usage, error) {
	shot := ""
	if len(screenshotPNG) > 0 {
		shot = pngDataURL(screenshotPNG)
	}
	req := &llm.ChatRequest{Display: display}
	resp, err := p.complete(ctx, "Task: "+intent, shot, req)
	if err != nil {
		return nil, models.Usage{}, err
	}
	for i := range resp.Messages {
		if resp.Messages[i].Type == models.MessageComputerCall {
			return &resp.Messages[i], resp.Usage, nil
		}
	}
	return nil, resp.Usage, fault.Targetf("uitars.ground", "no action for intent %q", intent)
}

func (p *UITars) complete(ctx context.Context, prompt, screenshot string, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
	if screenshot != "" {
		scaled, _ := downscaleDataURL(screenshot)
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: scaled, Detail: openai.ImageURLDetailAuto},
		})
	}
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: uiTarsSystemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyOpenAIError("uitars.chat", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.Targetf("uitars.chat", "empty choices from %s", p.model)
	}

	messages := ParseUITarsReply(resp.Choices[0].Message.Content, req.Display)
	return &llm.ChatResponse{
		Messages: messages,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

var (
	uiTarsThoughtRe = regexp.MustCompile(`(?m)^\s*Thought:\s*(.+)$`)
	uiTarsActionRe  = regexp.MustCompile(`(?m)^\s*Action:\s*(.+)$`)
	uiTarsLocRe     = regexp.MustCompile(`<\|loc_?(\d+)\|>`)
	uiTarsPairRe    = regexp.MustCompile(`\((\d+)\s*,\s*(\d+)\)`)
	uiTarsArgRe     = regexp.MustCompile(`(\w+)='((?:[^'\\]|\\.)*)'`)
)

// ParseUITarsReply decodes the "Thought:/Action:" text format. Coordinates
// in the 1000-unit box space scale to the display; unparseable replies
// become a noop function_call.
func ParseUITarsReply(text string, display llm.Display) []models.Message {
	var out []models.Message
	if m := uiTarsThoughtRe.FindStringSubmatch(text); m != nil {
		out = append(out, models.Message{
			Type:    models.MessageReasoning,
			Summary: []models.ContentPart{{Type: models.ContentSummaryText, Text: strings.TrimSpace(m[1])}},
		})
	}
	m := uiTarsActionRe.FindStringSubmatch(text)
	if m == nil {
		return append(out, noopCall(fmt.Sprintf("no Action line in reply: %s", truncateForLog(text, 200))))
	}
	line := strings.TrimSpace(m[1])

	verb := line
	if i := strings.IndexByte(line, '('); i >= 0 {
		verb = line[:i]
	}
	args := map[string]string{}
	for _, am := range uiTarsArgRe.FindAllStringSubmatch(line, -1) {
		args[am[1]] = strings.ReplaceAll(am[2], `\'`, `'`)
	}

	points := parseBoxPoints(line, display)
	point := func(i int) models.Point {
		if i < len(points) {
			return points[i]
		}
		return models.Point{}
	}

	var action *models.Action
	switch verb {
	case "click":
		pt := point(0)
		action = &models.Action{Type: models.ActionClick, Button: models.ButtonLeft, X: pt.X, Y: pt.Y}
	case "left_double":
		pt := point(0)
		action = &models.Action{Type: models.ActionDoubleClick, X: pt.X, Y: pt.Y}
	case "right_single":
		pt := point(0)
		action = &models.Action{Type: models.ActionClick, Button: models.ButtonRight, X: pt.X, Y: pt.Y}
	case "drag":
		if len(points) < 2 {
			return append(out, noopCall("drag needs start_box and end_box"))
		}
		action = &models.Action{Type: models.ActionDrag, Button: models.ButtonLeft, Path: points[:2]}
	case "hotkey":
		keys := strings.Fields(strings.ReplaceAll(args["key"], "+", " "))
		if len(keys) == 0 {
			return append(out, noopCall("hotkey without key argument"))
		}
		action = &models.Action{Type: models.ActionKeypress, Keys: keys}
	case "type":
		action = &models.Action{Type: models.ActionTypeText, Text: args["content"]}
	case "scroll":
		pt := point(0)
		dx, dy := 0, 0
		switch args["direction"] {
		case "up":
			dy = -200
		case "left":
			dx = -200
		case "right":
			dx = 200
		default:
			dy = 200
		}
		action = &models.Action{Type: models.ActionScroll, X: pt.X, Y: pt.Y, ScrollX: dx, ScrollY: dy}
	case "wait":
		action = &models.Action{Type: models.ActionWait}
	case "finished":
		summary := args["content"]
		if summary == "" {
			summary = "Task completed."
		}
		return append(out, models.AssistantText(summary))
	default:
		return append(out, noopCall(fmt.Sprintf("unknown action verb %q", verb)))
	}

	return append(out, models.Message{
		Type:   models.MessageComputerCall,
		CallID: "call_" + uuid.NewString(),
		Status: models.CallCompleted,
		Action: action,
	})
}

// parseBoxPoints extracts coordinates from loc tokens or (x,y) tuples and
// scales them from box space to display pixels.
func parseBoxPoints(line string, display llm.Display) []models.Point {
	var raw []int
	for _, m := range uiTarsLocRe.FindAllStringSubmatch(line, -1) {
		if v, err := strconv.Atoi(m[1]); err == nil {
			raw = append(raw, v)
		}
	}
	if len(raw) == 0 {
		for _, m := range uiTarsPairRe.FindAllStringSubmatch(line, -1) {
			x, errX := strconv.Atoi(m[1])
			y, errY := strconv.Atoi(m[2])
			if errX == nil && errY == nil {
				raw = append(raw, x, y)
			}
		}
	}
	points := make([]models.Point, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		points = append(points, models.Point{
			X: scaleFromBox(raw[i], display.Width),
			Y: scaleFromBox(raw[i+1], display.Height),
		})
	}
	return points
}

func scaleFromBox(v, extent int) int {
	if extent <= 0 {
		return v
	}
	return v * extent / uiTarsBoxSpace
}
