package computer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"github.com/haasonsaas/cua/pkg/models"
)

// Fake is an in-memory Computer that records every call. It backs the test
// suite and the "fake" provider type, which lets the proxy run end to end
// without a sandbox.
type Fake struct {
	mu    sync.Mutex
	calls []string

	name   string
	osType OSType
	width  int
	height int

	// FailNext, when set, makes the next operation return that error once.
	FailNext error

	// OpDelay is applied before every input operation (not screenshots);
	// tests use it to exercise timeouts and cancellation.
	OpDelay time.Duration

	closed bool
}

// NewFake builds a fake computer with a 1024x768 linux display.
func NewFake(name string) *Fake {
	return &Fake{name: name, osType: OSLinux, width: 1024, height: 768}
}

// Calls returns a copy of the recorded call log.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) record(ctx context.Context, call string) error {
	return f.recordWithDelay(ctx, call, true)
}

func (f *Fake) recordWithDelay(ctx context.Context, call string, delayed bool) error {
	f.mu.Lock()
	fail := f.FailNext
	f.FailNext = nil
	delay := f.OpDelay
	f.mu.Unlock()

	if !delayed {
		delay = 0
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if fail != nil {
		return fail
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return nil
}

// Screenshot renders a flat PNG of the display size.
func (f *Fake) Screenshot(ctx context.Context) ([]byte, error) {
	if err := f.recordWithDelay(ctx, "screenshot", false); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xEE
	}
	img.Set(0, 0, color.Black)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Fake) Dimensions(ctx context.Context) (int, int, error) {
	return f.width, f.height, nil
}

func (f *Fake) LeftClick(ctx context.Context, x, y int) error {
	return f.record(ctx, fmt.Sprintf("left_click(%d,%d)", x, y))
}

func (f *Fake) RightClick(ctx context.Context, x, y int) error {
	return f.record(ctx, fmt.Sprintf("right_click(%d,%d)", x, y))
}

func (f *Fake) DoubleClick(ctx context.Context, x, y int) error {
	return f.record(ctx, fmt.Sprintf("double_click(%d,%d)", x, y))
}

func (f *Fake) MoveCursor(ctx context.Context, x, y int) error {
	return f.record(ctx, fmt.Sprintf("move_cursor(%d,%d)", x, y))
}

func (f *Fake) MouseDown(ctx context.Context, x, y int, button models.MouseButton) error {
	return f.record(ctx, fmt.Sprintf("mouse_down(%d,%d,%s)", x, y, button))
}

func (f *Fake) MouseUp(ctx context.Context, x, y int, button models.MouseButton) error {
	return f.record(ctx, fmt.Sprintf("mouse_up(%d,%d,%s)", x, y, button))
}

func (f *Fake) Drag(ctx context.Context, path []models.Point, button models.MouseButton, duration time.Duration) error {
	return f.record(ctx, fmt.Sprintf("drag(%d points,%s)", len(path), button))
}

func (f *Fake) Scroll(ctx context.Context, x, y, scrollX, scrollY int) error {
	return f.record(ctx, fmt.Sprintf("scroll(%d,%d,%d,%d)", x, y, scrollX, scrollY))
}

func (f *Fake) TypeText(ctx context.Context, text string) error {
	return f.record(ctx, fmt.Sprintf("type_text(%q)", text))
}

func (f *Fake) PressKeys(ctx context.Context, keys []string) error {
	return f.record(ctx, fmt.Sprintf("press_keys(%v)", keys))
}

func (f *Fake) Wait(ctx context.Context, d time.Duration) error {
	return f.record(ctx, fmt.Sprintf("wait(%s)", d))
}

func (f *Fake) OSType() OSType       { return f.osType }
func (f *Fake) ProviderType() string { return "fake" }
func (f *Fake) Name() string         { return f.name }

// FakeProvisioner opens Fake computers. It is registered as the default
// provisioner for the "fake" provider type.
type FakeProvisioner struct {
	mu     sync.Mutex
	serial int
	opened []*Fake
	closed map[string]int
}

// NewFakeProvisioner builds an empty fake provisioner.
func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{closed: make(map[string]int)}
}

func (p *FakeProvisioner) Open(ctx context.Context, spec Spec) (Computer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serial++
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("fake-%d", p.serial)
	}
	f := NewFake(name)
	if spec.OSType != "" {
		f.osType = spec.OSType
	}
	p.opened = append(p.opened, f)
	return f, nil
}

func (p *FakeProvisioner) Close(ctx context.Context, c Computer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := c.(*Fake)
	if !ok {
		return fmt.Errorf("computer: fake provisioner cannot close %T", c)
	}
	if f.closed {
		return nil
	}
	f.closed = true
	p.closed[f.Name()]++
	return nil
}

// CloseCount reports how many times a computer was closed; shutdown
// idempotency tests assert it never exceeds one.
func (p *FakeProvisioner) CloseCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed[name]
}

// Opened returns all computers this provisioner ever opened.
func (p *FakeProvisioner) Opened() []*Fake {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Fake, len(p.opened))
	copy(out, p.opened)
	return out
}
