package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToDisabled(t *testing.T) {
	require := require.New(t)

	scope, closer, err := New(Config{})
	require.NoError(err)
	require.NotNil(scope)
	require.NotNil(closer)

	// A disabled scope must tolerate real calls without panicking or
	// blocking, since callers never check whether metrics are enabled.
	scope.Counter("requests").Inc(1)
	scope.Gauge("active").Update(3)
	require.NoError(closer.Close())
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	require := require.New(t)

	_, _, err := New(Config{Backend: "graphite"})
	require.Error(err)
}

func TestNewStatsdConstructsScope(t *testing.T) {
	require := require.New(t)

	scope, closer, err := New(Config{
		Backend: "statsd",
		Statsd:  StatsdConfig{HostPort: "127.0.0.1:8125", Prefix: "torrentd"},
	})
	require.NoError(err)
	require.NotNil(scope)
	defer closer.Close()

	scope.Counter("bytes_downloaded").Inc(1024)
}
