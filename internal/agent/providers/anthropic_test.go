package providers

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/cua/pkg/models"
)

func TestAnthropicToolInputRoundTrip(t *testing.T) {
	cases := []models.Action{
		{Type: models.ActionClick, Button: models.ButtonLeft, X: 10, Y: 20},
		{Type: models.ActionClick, Button: models.ButtonRight, X: 10, Y: 20},
		{Type: models.ActionDoubleClick, Button: models.ButtonLeft, X: 5, Y: 5},
		{Type: models.ActionMove, X: 1, Y: 2},
		{Type: models.ActionKeypress, Keys: []string{"ctrl", "s"}},
		{Type: models.ActionTypeText, Text: "hello"},
		{Type: models.ActionScreenshot},
		{Type: models.ActionWait},
		{Type: models.ActionLeftMouseDown, X: 3, Y: 4},
		{Type: models.ActionLeftMouseUp, X: 3, Y: 4},
	}
	for _, action := range cases {
		t.Run(string(action.Type), func(t *testing.T) {
			input, err := anthropicToolInput(&action)
			if err != nil {
				t.Fatal(err)
			}
			raw, err := json.Marshal(input)
			if err != nil {
				t.Fatal(err)
			}
			decoded, err := anthropicActionFromInput(raw)
			if err != nil {
				t.Fatal(err)
			}
			if decoded.Type != action.Type {
				t.Errorf("type round trip: got %s, want %s", decoded.Type, action.Type)
			}
			if decoded.X != action.X || decoded.Y != action.Y {
				t.Errorf("coords: got (%d,%d), want (%d,%d)", decoded.X, decoded.Y, action.X, action.Y)
			}
		})
	}
}

func TestAnthropicDragMapping(t *testing.T) {
	action := models.Action{
		Type:   models.ActionDrag,
		Button: models.ButtonLeft,
		Path:   []models.Point{{X: 0, Y: 0}, {X: 50, Y: 60}, {X: 100, Y: 120}},
	}
	input, err := anthropicToolInput(&action)
	if err != nil {
		t.Fatal(err)
	}
	if input["action"] != "left_click_drag" {
		t.Errorf("verb = %v", input["action"])
	}
	raw, _ := json.Marshal(input)
	decoded, err := anthropicActionFromInput(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.Path) != 2 || decoded.Path[0].X != 0 || decoded.Path[1].X != 100 {
		t.Errorf("drag path = %+v", decoded.Path)
	}
}

func TestAnthropicScrollMapping(t *testing.T) {
	action := models.Action{Type: models.ActionScroll, X: 400, Y: 300, ScrollY: 120}
	input, err := anthropicToolInput(&action)
	if err != nil {
		t.Fatal(err)
	}
	if input["scroll_direction"] != "down" || input["scroll_amount"] != 3 {
		t.Errorf("scroll mapping = %+v", input)
	}
	raw, _ := json.Marshal(input)
	decoded, err := anthropicActionFromInput(raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ScrollY != 120 || decoded.X != 400 {
		t.Errorf("decoded scroll = %+v", decoded)
	}
}

func TestAnthropicDecodeUnknownVerb(t *testing.T) {
	if _, err := anthropicActionFromInput(json.RawMessage(`{"action":"levitate"}`)); err == nil {
		t.Error("expected error for unknown verb")
	}
}
