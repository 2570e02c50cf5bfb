package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	transport := Transport("llm.chat", errors.New("connection reset"))
	target := Target("llm.chat", errors.New("invalid request"))

	if !IsTransport(transport) || IsTarget(transport) {
		t.Errorf("transport error misclassified")
	}
	if !IsTarget(target) || IsTransport(target) {
		t.Errorf("target error misclassified")
	}

	wrapped := fmt.Errorf("turn 3: %w", transport)
	if !IsTransport(wrapped) {
		t.Errorf("wrapped transport error not detected")
	}
}

func TestIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !IsCancelled(ctx.Err()) {
		t.Error("context.Canceled not detected")
	}
	if IsCancelled(context.DeadlineExceeded) {
		t.Error("deadline expiry must not count as cancellation")
	}
	if IsCancelled(errors.New("boom")) {
		t.Error("arbitrary error misclassified as cancellation")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status        int
		wantTransport bool
		wantTarget    bool
	}{
		{200, false, false},
		{408, true, false},
		{429, true, false},
		{500, true, false},
		{503, true, false},
		{400, false, true},
		{404, false, true},
		{422, false, true},
	}
	for _, tc := range cases {
		err := ClassifyStatus("op", tc.status, "body")
		if IsTransport(err) != tc.wantTransport || IsTarget(err) != tc.wantTarget {
			t.Errorf("status %d: got %v", tc.status, err)
		}
	}
}
