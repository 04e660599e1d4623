package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithBackoff(time.Millisecond))

	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	sentinel := errors.New("rejected")
	err := Do(context.Background(), func() error {
		calls++
		return Permanent(sentinel)
	}, WithBackoff(time.Millisecond))

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want wrapped sentinel", err)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errors.New("always")
	}, WithMaxAttempts(4), WithBackoff(time.Millisecond))

	if err == nil {
		t.Fatal("Do succeeded, want error on exhaustion")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func() error {
		calls++
		return errors.New("transient")
	}, WithBackoff(time.Minute))

	if err == nil {
		t.Fatal("Do succeeded, want error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry after cancel)", calls)
	}
}

func TestDoVal_ReturnsValue(t *testing.T) {
	got, err := DoVal(context.Background(), func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("DoVal failed: %v", err)
	}
	if got != 42 {
		t.Errorf("value = %d, want 42", got)
	}
}

func TestIsPermanent(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", base, false},
		{"marked", Permanent(base), true},
		{"wrapped after marking", fmt.Errorf("calling api: %w", Permanent(base)), true},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent = %v, want %v", got, tt.want)
			}
		})
	}
}
