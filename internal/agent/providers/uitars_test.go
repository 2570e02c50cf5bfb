package providers

import (
	"testing"

	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

var testDisplay = llm.Display{Width: 1920, Height: 1080, OS: "linux"}

func TestParseUITarsClickBoxTuple(t *testing.T) {
	text := "Thought: the submit button is at the bottom\nAction: click(start_box='<|box_start|>(500,800)<|box_end|>')"
	msgs := ParseUITarsReply(text, testDisplay)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].Type != models.MessageReasoning {
		t.Errorf("first = %s", msgs[0].Type)
	}
	action := msgs[1].Action
	if action == nil || action.Type != models.ActionClick {
		t.Fatalf("action = %+v", action)
	}
	// 500/1000 of 1920 and 800/1000 of 1080.
	if action.X != 960 || action.Y != 864 {
		t.Errorf("scaled point = (%d,%d), want (960,864)", action.X, action.Y)
	}
}

func TestParseUITarsLocTokens(t *testing.T) {
	text := "Action: click(start_box='<|loc_250|><|loc_500|>')"
	msgs := ParseUITarsReply(text, testDisplay)
	action := msgs[len(msgs)-1].Action
	if action == nil || action.X != 480 || action.Y != 540 {
		t.Errorf("loc-token point = %+v", action)
	}
}

func TestParseUITarsDrag(t *testing.T) {
	text := "Action: drag(start_box='(100,100)', end_box='(900,900)')"
	msgs := ParseUITarsReply(text, testDisplay)
	action := msgs[len(msgs)-1].Action
	if action == nil || action.Type != models.ActionDrag || len(action.Path) != 2 {
		t.Fatalf("drag = %+v", action)
	}
	if action.Path[1].X != 1728 || action.Path[1].Y != 972 {
		t.Errorf("end point = %+v", action.Path[1])
	}
}

func TestParseUITarsHotkeyAndType(t *testing.T) {
	msgs := ParseUITarsReply("Action: hotkey(key='ctrl c')", testDisplay)
	action := msgs[len(msgs)-1].Action
	if action == nil || action.Type != models.ActionKeypress || len(action.Keys) != 2 {
		t.Fatalf("hotkey = %+v", action)
	}

	msgs = ParseUITarsReply(`Action: type(content='hello world')`, testDisplay)
	action = msgs[len(msgs)-1].Action
	if action == nil || action.Type != models.ActionTypeText || action.Text != "hello world" {
		t.Errorf("type = %+v", action)
	}
}

func TestParseUITarsFinished(t *testing.T) {
	msgs := ParseUITarsReply("Thought: done\nAction: finished(content='opened the settings page')", testDisplay)
	last := msgs[len(msgs)-1]
	if last.Type != models.MessageAssistant {
		t.Fatalf("finished must be assistant, got %s", last.Type)
	}
	if last.Text() != "opened the settings page" {
		t.Errorf("summary = %q", last.Text())
	}
}

func TestParseUITarsUnparseable(t *testing.T) {
	msgs := ParseUITarsReply("I think we should wait and see.", testDisplay)
	if msgs[len(msgs)-1].Name != "noop" {
		t.Errorf("expected noop, got %+v", msgs[len(msgs)-1])
	}
}
