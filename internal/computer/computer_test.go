package computer

import (
	"context"
	"testing"
)

func TestSpecMatches(t *testing.T) {
	c := NewFake("box-1")
	cases := []struct {
		name string
		spec Spec
		want bool
	}{
		{"empty_matches_all", Spec{}, true},
		{"os_match", Spec{OSType: OSLinux}, true},
		{"os_mismatch", Spec{OSType: OSWindows}, false},
		{"provider_match", Spec{ProviderType: "fake"}, true},
		{"provider_mismatch", Spec{ProviderType: "cloud"}, false},
		{"name_match", Spec{Name: "box-1"}, true},
		{"name_mismatch", Spec{Name: "box-2"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.spec.Matches(c); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFakeRecordsAndFails(t *testing.T) {
	f := NewFake("box")
	ctx := context.Background()

	if err := f.LeftClick(ctx, 1, 2); err != nil {
		t.Fatal(err)
	}
	f.FailNext = context.DeadlineExceeded
	if err := f.TypeText(ctx, "x"); err == nil {
		t.Error("FailNext not honored")
	}
	// The failure is one-shot.
	if err := f.TypeText(ctx, "x"); err != nil {
		t.Errorf("second call failed: %v", err)
	}
	calls := f.Calls()
	if len(calls) != 2 || calls[0] != "left_click(1,2)" {
		t.Errorf("calls = %v", calls)
	}
}

func TestFakeScreenshotIsPNG(t *testing.T) {
	f := NewFake("box")
	data, err := f.Screenshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 8 || string(data[1:4]) != "PNG" {
		t.Errorf("not a PNG: % x", data[:8])
	}
}

func TestProvisionerRegistry(t *testing.T) {
	if _, err := ProvisionerFor("fake"); err != nil {
		t.Errorf("fake provisioner missing: %v", err)
	}
	if _, err := ProvisionerFor("teleporter"); err == nil {
		t.Error("expected error for unregistered provider type")
	}
}

func TestFakeProvisionerCloseIdempotent(t *testing.T) {
	p := NewFakeProvisioner()
	c, err := p.Open(context.Background(), Spec{Name: "once"})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if got := p.CloseCount("once"); got != 1 {
		t.Errorf("close count = %d, want 1", got)
	}
}
