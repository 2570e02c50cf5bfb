package llm

import (
	"testing"

	"github.com/haasonsaas/cua/pkg/models"
)

func TestLastScreenshotPrefersNewestOutput(t *testing.T) {
	messages := []models.Message{
		{Type: models.MessageUser, Content: []models.ContentPart{
			models.TextPart("task"),
			models.ImagePart("data:image/png;base64,USER"),
		}},
		{Type: models.MessageComputerCallOutput, CallID: "c1",
			Output: &models.ContentPart{Type: models.ContentComputerScreenshot, ImageURL: "data:image/png;base64,OLD"}},
		{Type: models.MessageComputerCallOutput, CallID: "c2",
			Output: &models.ContentPart{Type: models.ContentComputerScreenshot, ImageURL: "data:image/png;base64,NEW"}},
		{Type: models.MessageAssistant, Content: []models.ContentPart{models.OutputTextPart("ok")}},
	}
	if got := LastScreenshot(messages); got != "data:image/png;base64,NEW" {
		t.Errorf("LastScreenshot = %q", got)
	}
}

func TestLastScreenshotFallsBackToUserImage(t *testing.T) {
	messages := []models.Message{
		{Type: models.MessageUser, Content: []models.ContentPart{
			models.TextPart("task"),
			models.ImagePart("data:image/png;base64,USER"),
		}},
	}
	if got := LastScreenshot(messages); got != "data:image/png;base64,USER" {
		t.Errorf("LastScreenshot = %q", got)
	}
	if got := LastScreenshot(nil); got != "" {
		t.Errorf("LastScreenshot(nil) = %q", got)
	}
}
