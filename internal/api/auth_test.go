package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scania/scanhub/internal/api"
	"github.com/scania/scanhub/internal/model"
)

func TestToken(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		header   string
		url      string
		then     string
	}{
		{"bearer", "Bearer abc", "/", "abc"},
		{"lowercase scheme", "bearer  abc ", "/", "abc"},
		{"query", "", "/ws/jobs/1?token=xyz", "xyz"},
		{"header wins", "Bearer abc", "/?token=xyz", "abc"},
		{"basic ignored", "Basic abc", "/", ""},
		{"nothing", "", "/", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			require.Equal(t, tc.then, api.Token(r))
		})
	}
}

func TestNewAuthenticator(t *testing.T) {
	t.Parallel()

	a, err := api.NewAuthenticator(model.Auth{Type: model.AuthTypeNone})
	require.NoError(t, err)
	caller, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	require.Empty(t, caller)

	a, err = api.NewAuthenticator(model.Auth{Type: model.AuthTypeStaticToken, Tokens: map[string]string{"s3cret": "ci"}})
	require.NoError(t, err)
	caller, err = a.Authenticate(httptest.NewRequest(http.MethodGet, "/?token=s3cret", nil))
	require.NoError(t, err)
	require.Equal(t, "ci", caller)
	_, err = a.Authenticate(httptest.NewRequest(http.MethodGet, "/?token=other", nil))
	require.ErrorIs(t, err, api.ErrUnauthorized)

	_, err = api.NewAuthenticator(model.Auth{Type: model.AuthTypeStaticToken})
	require.Error(t, err)
	_, err = api.NewAuthenticator(model.Auth{Type: "oidc"})
	require.Error(t, err)
}
