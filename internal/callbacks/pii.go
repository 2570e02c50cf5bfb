package callbacks

import (
	"context"
	"regexp"

	"github.com/haasonsaas/cua/pkg/models"
)

// piiPatterns covers the identifiers most likely to appear in task text:
// emails, US phone numbers and SSNs, and payment card numbers. Secret-shaped
// strings reuse the observability redaction set at the logging layer.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	regexp.MustCompile(`\b(?:\+?1[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
}

// PIIScrubber redacts personally identifying information from outgoing user
// content. Because BeforeTurn hooks compose left to right, registering the
// scrubber before the trajectory writer also scrubs the durable record.
type PIIScrubber struct {
	Replacement string
}

// NewPIIScrubber builds a scrubber with the default replacement token.
func NewPIIScrubber() *PIIScrubber {
	return &PIIScrubber{Replacement: "[REDACTED]"}
}

func (s *PIIScrubber) Name() string { return "pii_scrubber" }

func (s *PIIScrubber) BeforeTurn(ctx context.Context, rc *RunContext, messages []models.Message) ([]models.Message, error) {
	out := make([]models.Message, len(messages))
	copy(out, messages)
	for i, msg := range out {
		if msg.Type != models.MessageUser {
			continue
		}
		rewritten := false
		parts := msg.Content
		for j, part := range parts {
			if part.Text == "" {
				continue
			}
			scrubbed := s.Scrub(part.Text)
			if scrubbed == part.Text {
				continue
			}
			if !rewritten {
				parts = append([]models.ContentPart(nil), msg.Content...)
				rewritten = true
			}
			parts[j].Text = scrubbed
		}
		if rewritten {
			clone := msg
			clone.Content = parts
			out[i] = clone
		}
	}
	return out, nil
}

// Scrub redacts PII from a single string.
func (s *PIIScrubber) Scrub(text string) string {
	replacement := s.Replacement
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	for _, re := range piiPatterns {
		text = re.ReplaceAllString(text, replacement)
	}
	return text
}
