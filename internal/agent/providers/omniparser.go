package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/cua/internal/fault"
	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

// Omniparser is a grounder-only adapter: it sends the current screenshot to
// an omniparser endpoint, receives the detected UI elements (Set-of-Marks),
// and picks the element matching the planner's intent. It cannot plan; the
// registry pairs it with a planner via the composite syntax.
type Omniparser struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewOmniparser builds the grounder from the request environment.
func NewOmniparser(cfg llm.ProviderConfig) (llm.Loop, error) {
	return &Omniparser{
		client:  &http.Client{Timeout: 2 * time.Minute},
		baseURL: cfg.Env.GetDefault("OMNIPARSER_BASE_URL", "http://localhost:8001"),
		logger:  cfg.Logger,
	}, nil
}

// GrounderOnly marks the adapter as unable to plan.
func (p *Omniparser) GrounderOnly() {}

// Step always fails: omniparser only grounds.
func (p *Omniparser) Step(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, fault.Targetf("omniparser", "omniparser cannot plan; pair it with a planner, e.g. omniparser+openai/gpt-4o")
}

// Element is one detected UI element with its bounding box in relative
// coordinates (0..1 of the screen).
type Element struct {
	ID      int       `json:"id"`
	Label   string    `json:"label"`
	Content string    `json:"content"`
	BBox    []float64 `json:"bbox"`
	Type    string    `json:"type"`
}

type omniparseRequest struct {
	ImageBase64 string `json:"image_base64"`
}

type omniparseResponse struct {
	Elements []Element `json:"elements"`
	Error    string    `json:"error,omitempty"`
}

// Ground parses the screenshot and clicks the element that matches the
// intent best.
func (p *Omniparser) Ground(ctx context.Context, screenshotPNG []byte, intent string, display llm.Display) (*models.Message, models.Usage, error) {
	if len(screenshotPNG) == 0 {
		return nil, models.Usage{}, fault.Targetf("omniparser.ground", "no screenshot to ground %q against", intent)
	}
	elements, err := p.parse(ctx, screenshotPNG)
	if err != nil {
		return nil, models.Usage{}, err
	}
	element, ok := MatchElement(elements, intent)
	if !ok {
		return nil, models.Usage{}, fault.Targetf("omniparser.ground", "no element matches intent %q among %d candidates", intent, len(elements))
	}

	x, y := elementCenter(element, display)
	return &models.Message{
		Type:   models.MessageComputerCall,
		CallID: "call_" + uuid.NewString(),
		Status: models.CallCompleted,
		Action: &models.Action{Type: models.ActionClick, Button: models.ButtonLeft, X: x, Y: y},
	}, models.Usage{}, nil
}

func (p *Omniparser) parse(ctx context.Context, screenshotPNG []byte) ([]Element, error) {
	payload, err := json.Marshal(omniparseRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(screenshotPNG),
	})
	if err != nil {
		return nil, fault.Target("omniparser.encode", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/parse", bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Target("omniparser.request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.Transport("omniparser.parse", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fault.Transport("omniparser.parse", err)
	}
	if err := fault.ClassifyStatus("omniparser.parse", resp.StatusCode, truncateForLog(string(raw), 256)); err != nil {
		return nil, err
	}

	var parsed omniparseResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fault.Target("omniparser.decode", err)
	}
	if parsed.Error != "" {
		return nil, fault.Targetf("omniparser.parse", "%s", parsed.Error)
	}
	return parsed.Elements, nil
}

// MatchElement scores elements against the intent by token overlap on label
// and content, preferring exact substring hits.
func MatchElement(elements []Element, intent string) (Element, bool) {
	intentLower := strings.ToLower(intent)
	tokens := strings.Fields(intentLower)

	type scored struct {
		element Element
		score   int
	}
	var candidates []scored
	for _, el := range elements {
		text := strings.ToLower(el.Label + " " + el.Content)
		if text == "" {
			continue
		}
		score := 0
		if strings.Contains(text, intentLower) {
			score += 100
		}
		for _, token := range tokens {
			if len(token) > 2 && strings.Contains(text, token) {
				score += 10
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{el, score})
		}
	}
	if len(candidates) == 0 {
		return Element{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	return candidates[0].element, true
}

// elementCenter maps a relative bbox [x0,y0,x1,y1] to the pixel center.
// Boxes already in pixels (values > 1) pass through.
func elementCenter(el Element, display llm.Display) (int, int) {
	if len(el.BBox) != 4 {
		return 0, 0
	}
	cx := (el.BBox[0] + el.BBox[2]) / 2
	cy := (el.BBox[1] + el.BBox[3]) / 2
	if el.BBox[2] <= 1.0 && el.BBox[3] <= 1.0 {
		return int(cx * float64(display.Width)), int(cy * float64(display.Height))
	}
	return int(cx), int(cy)
}
