package models

import (
	"encoding/json"
	"fmt"
)

// ActionType identifies a computer action variant.
type ActionType string

const (
	ActionClick         ActionType = "click"
	ActionDoubleClick   ActionType = "double_click"
	ActionDrag          ActionType = "drag"
	ActionMove          ActionType = "move"
	ActionScroll        ActionType = "scroll"
	ActionKeypress      ActionType = "keypress"
	ActionTypeText         ActionType = "type"
	ActionScreenshot    ActionType = "screenshot"
	ActionWait          ActionType = "wait"
	ActionLeftMouseDown ActionType = "left_mouse_down"
	ActionLeftMouseUp   ActionType = "left_mouse_up"
)

// MouseButton identifies which mouse button an action uses.
type MouseButton string

const (
	ButtonLeft    MouseButton = "left"
	ButtonRight   MouseButton = "right"
	ButtonWheel   MouseButton = "wheel"
	ButtonBack    MouseButton = "back"
	ButtonForward MouseButton = "forward"
)

// Point is a screen coordinate in pixels.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Action is the canonical computer action. It is a tagged union: Type selects
// the variant and determines which of the remaining fields are meaningful.
type Action struct {
	Type ActionType

	// Button applies to click, double_click and drag.
	Button MouseButton

	// X, Y are the target coordinates for pointer actions and the anchor
	// position for scroll.
	X int
	Y int

	// Path is the pointer trajectory for drag. At least two points.
	Path []Point

	// ScrollX, ScrollY are wheel deltas for scroll.
	ScrollX int
	ScrollY int

	// Keys are the keys pressed together for keypress.
	Keys []string

	// Text is the literal text for type.
	Text string
}

// actionWire is the JSON envelope shared by all action variants. Unknown
// fields are dropped on decode.
type actionWire struct {
	Type    ActionType  `json:"type"`
	Button  MouseButton `json:"button,omitempty"`
	X       *int        `json:"x,omitempty"`
	Y       *int        `json:"y,omitempty"`
	Path    []Point     `json:"path,omitempty"`
	ScrollX *int        `json:"scroll_x,omitempty"`
	ScrollY *int        `json:"scroll_y,omitempty"`
	Keys    []string    `json:"keys,omitempty"`
	Text    *string     `json:"text,omitempty"`
}

// MarshalJSON encodes exactly the fields that belong to the variant so the
// wire shape stays stable regardless of how the struct was populated.
func (a Action) MarshalJSON() ([]byte, error) {
	w := actionWire{Type: a.Type}
	switch a.Type {
	case ActionClick, ActionDoubleClick:
		w.Button = a.Button
		w.X, w.Y = intp(a.X), intp(a.Y)
	case ActionDrag:
		w.Button = a.Button
		w.Path = a.Path
	case ActionMove, ActionLeftMouseDown, ActionLeftMouseUp:
		w.X, w.Y = intp(a.X), intp(a.Y)
	case ActionScroll:
		w.X, w.Y = intp(a.X), intp(a.Y)
		w.ScrollX, w.ScrollY = intp(a.ScrollX), intp(a.ScrollY)
	case ActionKeypress:
		w.Keys = a.Keys
	case ActionTypeText:
		w.Text = &a.Text
	case ActionScreenshot, ActionWait:
		// no payload
	default:
		return nil, fmt.Errorf("models: cannot encode unknown action type %q", a.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes tolerantly: unknown fields are ignored, missing
// optional fields default to zero. Validate reports variant-level problems.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = Action{
		Type:   w.Type,
		Button: w.Button,
		Path:   w.Path,
		Keys:   w.Keys,
	}
	if w.X != nil {
		a.X = *w.X
	}
	if w.Y != nil {
		a.Y = *w.Y
	}
	if w.ScrollX != nil {
		a.ScrollX = *w.ScrollX
	}
	if w.ScrollY != nil {
		a.ScrollY = *w.ScrollY
	}
	if w.Text != nil {
		a.Text = *w.Text
	}
	return nil
}

// Validate checks the variant-specific requirements.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionClick, ActionDoubleClick:
		if a.Button != "" && !validButton(a.Button) {
			return fmt.Errorf("models: invalid mouse button %q", a.Button)
		}
	case ActionDrag:
		if len(a.Path) < 2 {
			return fmt.Errorf("models: drag path requires at least 2 points, got %d", len(a.Path))
		}
		if a.Button != "" && !validButton(a.Button) {
			return fmt.Errorf("models: invalid mouse button %q", a.Button)
		}
	case ActionKeypress:
		if len(a.Keys) == 0 {
			return fmt.Errorf("models: keypress requires at least one key")
		}
	case ActionMove, ActionScroll, ActionTypeText, ActionScreenshot, ActionWait,
		ActionLeftMouseDown, ActionLeftMouseUp:
		// no extra requirements
	case "":
		return fmt.Errorf("models: action type is required")
	default:
		return fmt.Errorf("models: unknown action type %q", a.Type)
	}
	return nil
}

// EffectiveButton returns the button for pointer actions, defaulting to left.
func (a *Action) EffectiveButton() MouseButton {
	if a.Button == "" {
		return ButtonLeft
	}
	return a.Button
}

func validButton(b MouseButton) bool {
	switch b {
	case ButtonLeft, ButtonRight, ButtonWheel, ButtonBack, ButtonForward:
		return true
	}
	return false
}

func intp(v int) *int { return &v }
