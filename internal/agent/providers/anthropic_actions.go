package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/cua/pkg/models"
)

// anthropicToolInput maps a canonical action onto the computer tool's input
// shape. Buttons without a native verb degrade: wheel becomes middle_click,
// back and forward fall back to left_click.
func anthropicToolInput(action *models.Action) (map[string]any, error) {
	if action == nil {
		return nil, fmt.Errorf("computer_call without action")
	}
	coord := []int{action.X, action.Y}
	switch action.Type {
	case models.ActionClick:
		verb := "left_click"
		switch action.Button {
		case models.ButtonRight:
			verb = "right_click"
		case models.ButtonWheel:
			verb = "middle_click"
		}
		return map[string]any{"action": verb, "coordinate": coord}, nil
	case models.ActionDoubleClick:
		return map[string]any{"action": "double_click", "coordinate": coord}, nil
	case models.ActionMove:
		return map[string]any{"action": "mouse_move", "coordinate": coord}, nil
	case models.ActionDrag:
		if len(action.Path) < 2 {
			return nil, fmt.Errorf("drag path requires at least 2 points")
		}
		first, last := action.Path[0], action.Path[len(action.Path)-1]
		return map[string]any{
			"action":           "left_click_drag",
			"start_coordinate": []int{first.X, first.Y},
			"coordinate":       []int{last.X, last.Y},
		}, nil
	case models.ActionScroll:
		direction, amount := scrollDirection(action.ScrollX, action.ScrollY)
		return map[string]any{
			"action":           "scroll",
			"coordinate":       coord,
			"scroll_direction": direction,
			"scroll_amount":    amount,
		}, nil
	case models.ActionKeypress:
		return map[string]any{"action": "key", "text": strings.Join(action.Keys, "+")}, nil
	case models.ActionTypeText:
		return map[string]any{"action": "type", "text": action.Text}, nil
	case models.ActionScreenshot:
		return map[string]any{"action": "screenshot"}, nil
	case models.ActionWait:
		return map[string]any{"action": "wait", "duration": 1}, nil
	case models.ActionLeftMouseDown:
		return map[string]any{"action": "left_mouse_down", "coordinate": coord}, nil
	case models.ActionLeftMouseUp:
		return map[string]any{"action": "left_mouse_up", "coordinate": coord}, nil
	default:
		return nil, fmt.Errorf("unsupported action type %q", action.Type)
	}
}

func scrollDirection(dx, dy int) (string, int) {
	switch {
	case dy < 0:
		return "up", clicksFromDelta(-dy)
	case dy > 0:
		return "down", clicksFromDelta(dy)
	case dx < 0:
		return "left", clicksFromDelta(-dx)
	case dx > 0:
		return "right", clicksFromDelta(dx)
	default:
		return "down", 1
	}
}

// clicksFromDelta converts a pixel wheel delta to scroll clicks. One click
// is treated as 40px, matching common wheel line height.
func clicksFromDelta(delta int) int {
	clicks := delta / 40
	if clicks < 1 {
		clicks = 1
	}
	return clicks
}

type anthropicComputerInput struct {
	Action          string `json:"action"`
	Coordinate      []int  `json:"coordinate"`
	StartCoordinate []int  `json:"start_coordinate"`
	Text            string `json:"text"`
	ScrollDirection string `json:"scroll_direction"`
	ScrollAmount    int    `json:"scroll_amount"`
	Duration        int    `json:"duration"`
}

// anthropicActionFromInput maps a computer tool_use input back onto the
// canonical action schema.
func anthropicActionFromInput(raw json.RawMessage) (*models.Action, error) {
	var in anthropicComputerInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	x, y := 0, 0
	if len(in.Coordinate) == 2 {
		x, y = in.Coordinate[0], in.Coordinate[1]
	}
	switch in.Action {
	case "left_click":
		return &models.Action{Type: models.ActionClick, Button: models.ButtonLeft, X: x, Y: y}, nil
	case "right_click":
		return &models.Action{Type: models.ActionClick, Button: models.ButtonRight, X: x, Y: y}, nil
	case "middle_click":
		return &models.Action{Type: models.ActionClick, Button: models.ButtonWheel, X: x, Y: y}, nil
	case "double_click":
		return &models.Action{Type: models.ActionDoubleClick, Button: models.ButtonLeft, X: x, Y: y}, nil
	case "triple_click":
		// No canonical triple click; a double click is the closest verb.
		return &models.Action{Type: models.ActionDoubleClick, Button: models.ButtonLeft, X: x, Y: y}, nil
	case "mouse_move":
		return &models.Action{Type: models.ActionMove, X: x, Y: y}, nil
	case "left_click_drag":
		start := models.Point{X: x, Y: y}
		if len(in.StartCoordinate) == 2 {
			start = models.Point{X: in.StartCoordinate[0], Y: in.StartCoordinate[1]}
		}
		return &models.Action{
			Type:   models.ActionDrag,
			Button: models.ButtonLeft,
			Path:   []models.Point{start, {X: x, Y: y}},
		}, nil
	case "scroll":
		dx, dy := 0, 0
		amount := in.ScrollAmount
		if amount <= 0 {
			amount = 1
		}
		switch in.ScrollDirection {
		case "up":
			dy = -amount * 40
		case "down":
			dy = amount * 40
		case "left":
			dx = -amount * 40
		case "right":
			dx = amount * 40
		}
		return &models.Action{Type: models.ActionScroll, X: x, Y: y, ScrollX: dx, ScrollY: dy}, nil
	case "key":
		keys := strings.Split(in.Text, "+")
		return &models.Action{Type: models.ActionKeypress, Keys: keys}, nil
	case "hold_key":
		return &models.Action{Type: models.ActionKeypress, Keys: strings.Split(in.Text, "+")}, nil
	case "type":
		return &models.Action{Type: models.ActionTypeText, Text: in.Text}, nil
	case "screenshot":
		return &models.Action{Type: models.ActionScreenshot}, nil
	case "wait":
		return &models.Action{Type: models.ActionWait}, nil
	case "left_mouse_down":
		return &models.Action{Type: models.ActionLeftMouseDown, X: x, Y: y}, nil
	case "left_mouse_up":
		return &models.Action{Type: models.ActionLeftMouseUp, X: x, Y: y}, nil
	case "cursor_position":
		return &models.Action{Type: models.ActionScreenshot}, nil
	default:
		return nil, fmt.Errorf("unknown computer action %q", in.Action)
	}
}
