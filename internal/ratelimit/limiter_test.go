package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsWithinBudget(t *testing.T) {
	t.Parallel()

	l := New(Config{Window: time.Minute, Search: 3})
	for i := 0; i < 3; i++ {
		d := l.Check("10.0.0.1", "/v1/search")
		require.True(t, d.Allowed, "request %d", i)
		require.Equal(t, "search", d.Rule)
		require.Equal(t, 3, d.Limit)
	}

	d := l.Check("10.0.0.1", "/v1/search")
	require.False(t, d.Allowed)
	require.GreaterOrEqual(t, d.RetryAfter, time.Second)
}

func TestLimiterIsolatesIdentities(t *testing.T) {
	t.Parallel()

	l := New(Config{Window: time.Minute, Download: 1})
	require.True(t, l.Check("10.0.0.1", "/v1/downloads").Allowed)
	require.False(t, l.Check("10.0.0.1", "/v1/downloads").Allowed)
	require.True(t, l.Check("10.0.0.2", "/v1/downloads").Allowed)
}

func TestLimiterRuleClassification(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	cases := []struct {
		path string
		rule string
	}{
		{"/v1/search", "search"},
		{"/v1/search/audiobooks", "search"},
		{"/v1/downloads", "download"},
		{"/v1/downloads/abc/retry", "download"},
		{"/v1/sources", "api"},
		{"/healthz", "default"},
	}
	for _, tc := range cases {
		d := l.Check("10.0.0.1", tc.path)
		require.Equal(t, tc.rule, d.Rule, tc.path)
	}
}

func TestLimiterRulesShareBudgetPerIdentity(t *testing.T) {
	t.Parallel()

	l := New(Config{Window: time.Minute, Search: 1, API: 1})
	require.True(t, l.Check("10.0.0.1", "/v1/search").Allowed)
	// The api bucket is independent of the exhausted search bucket.
	require.True(t, l.Check("10.0.0.1", "/v1/sources").Allowed)
	require.False(t, l.Check("10.0.0.1", "/v1/search").Allowed)
}
