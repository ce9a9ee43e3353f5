package main

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touka-aoi/relay-chat/server"
)

func TestBindFlags(t *testing.T) {
	f := &Flags{Server: server.DefaultConfig()}
	fs := pflag.NewFlagSet("relay-server", pflag.ContinueOnError)
	bindFlags(fs, f)

	require.NoError(t, fs.Parse([]string{
		"--network", "unix",
		"-a", "/tmp/relay.sock",
		"--capacity", "3",
		"--engine", "poll",
		"--drop-empty",
		"--log-messages=false",
		"--metrics-address", ":9090",
	}))

	assert.Equal(t, "unix", f.Server.Network)
	assert.Equal(t, "/tmp/relay.sock", f.Server.Address)
	assert.Equal(t, 3, f.Server.Capacity)
	assert.Equal(t, "poll", f.Server.Engine)
	assert.Equal(t, server.DefaultBacklog, f.Server.Backlog)
	assert.Equal(t, server.DefaultBufferSize, f.Server.BufferSize)
	assert.True(t, f.DropEmpty)
	assert.False(t, f.LogMessages)
	assert.Equal(t, ":9090", f.MetricsAddress)
	assert.NoError(t, f.Server.Validate())
}

func TestBindFlags_Defaults(t *testing.T) {
	f := &Flags{Server: server.DefaultConfig()}
	fs := pflag.NewFlagSet("relay-server", pflag.ContinueOnError)
	bindFlags(fs, f)
	require.NoError(t, fs.Parse(nil))

	assert.Equal(t, server.DefaultConfig(), f.Server)
	assert.Equal(t, "info", f.LogLevel)
	assert.True(t, f.LogMessages)
	assert.Empty(t, f.MetricsAddress)
}
