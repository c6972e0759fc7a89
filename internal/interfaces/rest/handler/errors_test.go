package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/pot-code/progress-sync/internal/progress"
	"github.com/pot-code/progress-sync/internal/session"
	"github.com/pot-code/progress-sync/internal/tracker"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: negative position", progress.ErrInvalidRecord), http.StatusBadRequest},
		{progress.ErrCourseNotFound, http.StatusNotFound},
		{session.ErrNoSession, http.StatusConflict},
		{progress.ErrAuth, http.StatusUnauthorized},
		{progress.ErrOffline, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: disk full", progress.ErrStorage), http.StatusServiceUnavailable},
		{tracker.ErrSyncIncomplete, http.StatusBadGateway},
		{errors.New("boom"), 0},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
