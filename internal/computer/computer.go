// Package computer defines the Computer and Provisioner ports: the mechanical
// interface to a sandboxed desktop. Implementations talk to the RPC server
// running inside the sandbox; this package never interprets actions
// semantically. Failures are classified through the fault taxonomy so the
// orchestrator can decide what to retry.
package computer

import (
	"context"
	"time"

	"github.com/haasonsaas/cua/pkg/models"
)

// OSType identifies the guest operating system of a computer.
type OSType string

const (
	OSLinux   OSType = "linux"
	OSMacOS   OSType = "macos"
	OSWindows OSType = "windows"
)

// Computer is the port the orchestrator drives. Every operation takes a
// context and may fail with a fault.TransportError (retryable) or
// fault.TargetError (not retryable).
type Computer interface {
	// Screenshot captures the current screen as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// Dimensions returns the display size in pixels.
	Dimensions(ctx context.Context) (width, height int, err error)

	LeftClick(ctx context.Context, x, y int) error
	RightClick(ctx context.Context, x, y int) error
	DoubleClick(ctx context.Context, x, y int) error
	MoveCursor(ctx context.Context, x, y int) error

	MouseDown(ctx context.Context, x, y int, button models.MouseButton) error
	MouseUp(ctx context.Context, x, y int, button models.MouseButton) error

	// Drag moves the pointer along path with button held, spreading the
	// motion over duration.
	Drag(ctx context.Context, path []models.Point, button models.MouseButton, duration time.Duration) error

	// Scroll emits wheel deltas at position (x, y).
	Scroll(ctx context.Context, x, y, scrollX, scrollY int) error

	// TypeText types literal text.
	TypeText(ctx context.Context, text string) error

	// PressKeys presses keys, as a chord when more than one is given.
	PressKeys(ctx context.Context, keys []string) error

	// Wait pauses for the given duration on the target.
	Wait(ctx context.Context, d time.Duration) error

	OSType() OSType
	ProviderType() string
	Name() string
}

// Spec describes the computer a session wants from the pool.
type Spec struct {
	OSType       OSType `json:"os_type,omitempty" yaml:"os_type"`
	ProviderType string `json:"provider_type,omitempty" yaml:"provider_type"`
	Image        string `json:"image,omitempty" yaml:"image"`
	MemoryMB     int    `json:"memory,omitempty" yaml:"memory"`
	CPU          int    `json:"cpu,omitempty" yaml:"cpu"`
	Name         string `json:"name,omitempty" yaml:"name"`
}

// Matches reports whether an existing computer satisfies the spec. Empty spec
// fields match anything; a named spec only matches that computer.
func (s Spec) Matches(c Computer) bool {
	if s.Name != "" && s.Name != c.Name() {
		return false
	}
	if s.OSType != "" && s.OSType != c.OSType() {
		return false
	}
	if s.ProviderType != "" && s.ProviderType != c.ProviderType() {
		return false
	}
	return true
}

// Provisioner opens and closes computers. Provisioning itself (VMs,
// containers, cloud sandboxes) lives outside the core; the pool only drives
// this port.
type Provisioner interface {
	// Open provisions or connects to a computer matching spec.
	Open(ctx context.Context, spec Spec) (Computer, error)

	// Close releases the computer. Closing an already-closed computer is a
	// no-op.
	Close(ctx context.Context, c Computer) error
}
