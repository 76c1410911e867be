package main

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	payload "github.com/microchipgnu/payload-exchange-sub000"
	"github.com/microchipgnu/payload-exchange-sub000/actions"
	"github.com/microchipgnu/payload-exchange-sub000/config"
)

func TestListPlugins(t *testing.T) {
	out := listPlugins(actions.NewDefaultRegistry())
	assert.Contains(t, out, "Available action plugins:")
	for _, id := range []string{actions.EmailCaptureID, actions.GithubStarID, actions.SurveyID, actions.CodeVerificationID} {
		assert.Contains(t, out, "  "+id+": ")
	}
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := setupTracing(context.Background(), config.TracingConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingStdout(t *testing.T) {
	shutdown, err := setupTracing(context.Background(), config.TracingConfig{Enabled: true, Stdout: true})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestBuildCatalog(t *testing.T) {
	cfg := config.Default()
	cfg.Catalog.Resources = []config.ResourceConfig{
		{ID: "weather", URL: "https://api.example.com/weather", Price: "1000"},
	}

	resources, err := buildCatalog(cfg, nil)
	require.NoError(t, err)
	res, err := resources.Lookup(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/weather", res.URL)
	require.NotNil(t, res.Challenge)
	assert.Equal(t, "1000", res.Challenge.Amount.String())

	_, err = resources.Lookup(context.Background(), "unknown")
	assert.ErrorIs(t, err, payload.ErrResourceNotFound)
}

func TestOpenStoreAndChainDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DSN = ""
	logger := cfg.Logging.NewLogger(io.Discard)

	st, err := openStore(cfg, logger)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Ping(context.Background()))

	onchain, err := dialChain(context.Background(), cfg, logger)
	require.NoError(t, err)
	assert.Nil(t, onchain.payer)
	assert.Nil(t, onchain.upstream)
	onchain.Close()
}
