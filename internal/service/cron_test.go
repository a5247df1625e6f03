package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()

	cases := []struct {
		scenario string
		given    string
		then     string
	}{
		{"valid_5_fields", "*/15 * * * *", ""},
		{"macro_hourly", "@hourly", ""},
		{"macro_every", "@every 5m", ""},
		{"six_fields", "0 */2 * * * *", "expected exactly 5 fields, found 6: [0 */2 * * * *]"},
		{"invalid_token", "* * 32 * *", "end of range (32) above maximum (31): 32"},
		{"empty", "  ", "empty cron expression"},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			err := ParseCron(tc.given)
			if tc.then != "" {
				require.EqualError(t, err, tc.then)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestJanitorJob(t *testing.T) {
	t.Parallel()

	cases := []struct {
		scenario string
		given    string
		wantErr  bool
	}{
		{"default", "", false},
		{"duration", "30s", false},
		{"cron", "*/5 * * * *", false},
		{"macro", "@every 1m", false},
		{"zero", "0s", true},
		{"garbage", "soon", true},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			job, err := janitorJob(t.Context(), tc.given)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, job)
		})
	}
}
