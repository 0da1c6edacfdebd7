package repo

import (
	"errors"
	"sync"
	"testing"

	"github.com/civicworks/roadwatch/internal/model"
	"go.uber.org/zap"
)

func testStore() *messageStore {
	return &messageStore{
		logger:      zap.NewNop(),
		inFlightOps: make(map[string]struct{}),
	}
}

func TestAppendValidation(t *testing.T) {
	t.Parallel()
	s := testStore()

	tests := []struct {
		name   string
		ticket string
		in     NewMessage
		want   error
	}{
		{
			name:   "malformed ticket",
			ticket: "SUP-12",
			in:     NewMessage{SenderRole: model.RoleCitizen, Body: "hi"},
			want:   ErrInvalidTicket,
		},
		{
			name:   "unknown role",
			ticket: "SUP-100200",
			in:     NewMessage{SenderRole: model.Role("manager"), Body: "hi"},
			want:   ErrInvalidRole,
		},
		{
			name:   "no body and no attachments",
			ticket: "SUP-100200",
			in:     NewMessage{SenderRole: model.RoleAdmin},
			want:   ErrEmptyMessage,
		},
		{
			name:   "attachment-only is fine",
			ticket: "SUP-100200",
			in:     NewMessage{SenderRole: model.RoleCitizen, Attachments: []string{"u1"}},
			want:   nil,
		},
		{
			name:   "text message is fine",
			ticket: "SUP-100200",
			in:     NewMessage{SenderRole: model.RoleAdmin, Body: "On it."},
			want:   nil,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			err := s.validate(test.ticket, test.in)
			if !errors.Is(err, test.want) {
				t.Errorf("validate: got %v, want %v", err, test.want)
			}
		})
	}
}

func TestInFlightGuard(t *testing.T) {
	t.Parallel()
	s := testStore()

	const key = "SUP-100200:m-1"
	if !s.tryAcquireInFlight(key) {
		t.Fatal("first acquire should succeed")
	}
	if s.tryAcquireInFlight(key) {
		t.Error("second acquire of the same key should fail")
	}
	if !s.tryAcquireInFlight("SUP-100200:m-2") {
		t.Error("a different key is independent")
	}

	s.releaseInFlight(key)
	if !s.tryAcquireInFlight(key) {
		t.Error("acquire after release should succeed")
	}
}

func TestInFlightGuardConcurrent(t *testing.T) {
	t.Parallel()
	s := testStore()

	const key = "SUP-100200:m-1"
	const goroutines = 32

	var wg sync.WaitGroup
	acquired := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.tryAcquireInFlight(key) {
				acquired <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(acquired)

	if got := len(acquired); got != 1 {
		t.Errorf("winners: got %d, want exactly 1", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	t.Parallel()
	s := testStore()

	if s.isRetryableError(nil) {
		t.Error("nil error is not retryable")
	}
	if s.isRetryableError(errors.New("duplicate key")) {
		t.Error("plain errors are not retryable")
	}
}
