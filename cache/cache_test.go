package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testJobInfo struct {
	CallbackURL string
}

func TestStoreAndRetrieve(t *testing.T) {
	c := New[testJobInfo]()
	c.Store(
		"some-job-id",
		testJobInfo{
			CallbackURL: "http://some-callback-url.com",
		},
	)
	require.Equal(t, "http://some-callback-url.com", c.Get("some-job-id").CallbackURL)
	require.Equal(t, 1, c.Len())
	require.Equal(t, []string{"some-job-id"}, c.Keys())
}

func TestStoreAndRemove(t *testing.T) {
	c := New[testJobInfo]()
	c.Store(
		"some-job-id",
		testJobInfo{
			CallbackURL: "http://some-callback-url.com",
		},
	)
	require.Equal(t, "http://some-callback-url.com", c.Get("some-job-id").CallbackURL)

	c.Remove("request-id", "some-job-id")
	require.Equal(t, "", c.Get("some-job-id").CallbackURL)
	require.Equal(t, 0, c.Len())
}
