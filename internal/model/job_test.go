package model_test

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/scania/scanhub/internal/model"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	target, err := model.ParseTarget("http://example.com")
	require.NoError(t, err)
	job := model.NewJob("alice", target, []model.ScanKind{model.KindNetwork}, nil, now)
	require.Equal(t, model.StatusPending, job.Status)
	require.NotEmpty(t, job.ID)

	require.NoError(t, job.Transition(model.StatusRunning, now))
	require.NotNil(t, job.StartedAt)

	require.NoError(t, job.Transition(model.StatusCompleted, now.Add(time.Minute)))
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, 100.0, job.Progress)
	require.Equal(t, time.Minute, job.Duration(now.Add(time.Hour)))

	err = job.Transition(model.StatusCancelled, now)
	require.ErrorIs(t, err, model.ErrTerminal)
	require.Equal(t, model.StatusCompleted, job.Status)
}

// random sequences of transitions never leave a terminal state
func TestTransitionMonotonic(t *testing.T) {
	t.Parallel()

	statuses := []model.Status{
		model.StatusPending,
		model.StatusRunning,
		model.StatusCompleted,
		model.StatusFailed,
		model.StatusCancelled,
	}
	rank := map[model.Status]int{
		model.StatusPending:   0,
		model.StatusRunning:   1,
		model.StatusCompleted: 2,
		model.StatusFailed:    2,
		model.StatusCancelled: 2,
	}

	rnd := rand.New(rand.NewPCG(1, 2))
	now := time.Now()
	for range 500 {
		job := model.Job{ID: "j", Status: model.StatusPending}
		var terminal model.Status
		for range 10 {
			before := job.Status
			err := job.Transition(statuses[rnd.IntN(len(statuses))], now)
			if terminal != "" {
				require.ErrorIs(t, err, model.ErrTerminal)
				require.Equal(t, terminal, job.Status)
				continue
			}
			if err != nil {
				require.True(t, errors.Is(err, model.ErrInvalidTransition))
				require.Equal(t, before, job.Status)
				continue
			}
			require.Greater(t, rank[job.Status], rank[before])
			if job.Status.Terminal() {
				terminal = job.Status
			}
		}
	}
}

func TestScanKinds(t *testing.T) {
	t.Parallel()

	kinds, err := model.ParseScanKinds([]string{"owasp_zap", "nmap", "webapp", "NMAP_PORT"})
	require.NoError(t, err)
	require.Equal(t, []model.ScanKind{model.KindWebApp, model.KindNetwork}, kinds)

	_, err = model.ParseScanKinds(nil)
	require.ErrorIs(t, err, model.ErrValidation)

	_, err = model.ParseScanKinds([]string{"network", "quantum"})
	require.ErrorIs(t, err, model.ErrValidation)

	require.True(t, model.KindTLS.Valid())
	require.False(t, model.ScanKind("ssl_tls").Valid())
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		host     string
		port     int
		isURL    bool
	}{
		{"http url", "http://example.com", "example.com", 0, true},
		{"https url with port", "https://example.com:8443/app", "example.com", 8443, true},
		{"bare host", "example.com", "example.com", 0, false},
		{"host and port", "10.0.0.1:22", "10.0.0.1", 22, false},
		{"ipv6 and port", "[::1]:443", "::1", 443, false},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			target, err := model.ParseTarget(tt.given)
			require.NoError(t, err)
			require.Equal(t, tt.host, target.Host)
			require.Equal(t, tt.port, target.Port)
			require.Equal(t, tt.isURL, target.IsURL())
			require.Equal(t, tt.given, target.String())
		})
	}

	for _, bad := range []string{"", "ftp://example.com", "http://", "example.com:99999", "a b"} {
		_, err := model.ParseTarget(bad)
		require.ErrorIs(t, err, model.ErrValidation, bad)
	}
}

func TestEvent(t *testing.T) {
	t.Parallel()
	require.True(t, model.Event{Type: model.EventCompletion}.Terminal())
	require.True(t, model.Event{Type: model.EventStatusChange, Status: model.StatusCancelled}.Terminal())
	require.False(t, model.Event{Type: model.EventStatusChange, Status: model.StatusRunning}.Terminal())
	require.True(t, model.Event{Type: model.EventProgress}.Stateful())
	require.False(t, model.Event{Type: model.EventFinding}.Stateful())
}
