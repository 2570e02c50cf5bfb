// Package providers implements the agent loop adapters: one per model
// family, each translating canonical turns into provider round-trips and
// decoding the responses back into canonical messages. Adapters describe
// actions; they never touch the Computer port.
package providers

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"strings"

	"golang.org/x/image/draw"
)

// pngDataURL encodes PNG bytes as a data URL for canonical content parts.
func pngDataURL(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

// dataURLBytes decodes a base64 data URL back into raw bytes. Plain HTTPS
// URLs return false: those pass through to providers untouched.
func dataURLBytes(url string) ([]byte, bool) {
	const marker = ";base64,"
	if !strings.HasPrefix(url, "data:") {
		return nil, false
	}
	i := strings.Index(url, marker)
	if i < 0 {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(url[i+len(marker):])
	if err != nil {
		return nil, false
	}
	return data, true
}

// dataURLPayload splits a data URL into media type and base64 payload.
func dataURLPayload(url string) (mediaType, payload string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	meta, rest, found := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), rest, true
}

// maxScreenshotEdge bounds the longer edge of frames sent to VLM-class
// endpoints; larger frames cost tokens without adding grounding precision.
const maxScreenshotEdge = 1536

// downscaleDataURL shrinks an oversized screenshot and reports the scale
// factor applied, so adapters can map model coordinates back to true pixels.
// Frames already within bounds (and non-data URLs) pass through at scale 1.
func downscaleDataURL(url string) (string, float64) {
	raw, ok := dataURLBytes(url)
	if !ok {
		return url, 1
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return url, 1
	}
	b := img.Bounds()
	edge := b.Dx()
	if b.Dy() > edge {
		edge = b.Dy()
	}
	if edge <= maxScreenshotEdge {
		return url, 1
	}
	scale := float64(maxScreenshotEdge) / float64(edge)
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(b.Dx())*scale), int(float64(b.Dy())*scale)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return url, 1
	}
	return pngDataURL(buf.Bytes()), scale
}

// extractJSONObject pulls the first JSON object out of free-form model text.
// It tolerates code fences and trailing prose, which VLM outputs routinely
// carry.
func extractJSONObject(text string) (string, bool) {
	s := text
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// modelPricing maps model substrings to USD per million prompt/completion
// tokens. Unlisted models report zero cost; the budget callback then only
// sees what the provider itself returns.
var modelPricing = []struct {
	match      string
	prompt     float64
	completion float64
}{
	{"claude-3-5-sonnet", 3.0, 15.0},
	{"claude-sonnet-4", 3.0, 15.0},
	{"claude-opus", 15.0, 75.0},
	{"claude-3-5-haiku", 0.8, 4.0},
	{"computer-use-preview", 3.0, 12.0},
	{"gpt-4o-mini", 0.15, 0.6},
	{"gpt-4o", 2.5, 10.0},
}

func estimateCost(model string, promptTokens, completionTokens int) float64 {
	for _, p := range modelPricing {
		if strings.Contains(model, p.match) {
			return float64(promptTokens)*p.prompt/1e6 + float64(completionTokens)*p.completion/1e6
		}
	}
	return 0
}

// environmentForOS maps an OS type onto the environment string the OpenAI
// computer-use tool expects.
func environmentForOS(os string) string {
	switch os {
	case "macos":
		return "mac"
	case "windows":
		return "windows"
	case "linux":
		return "linux"
	default:
		return "linux"
	}
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s… (%d bytes)", s[:n], len(s))
}
