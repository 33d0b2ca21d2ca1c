package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEndpoint(t *testing.T) {
	cases := []struct {
		raw  string
		want target
	}{
		{raw: "collector", want: target{endpoint: "collector:4318", insecure: true}},
		{raw: "collector:9999", want: target{endpoint: "collector:9999", insecure: true}},
		{raw: "http://collector", want: target{endpoint: "collector:4318", insecure: true}},
		{raw: "https://otel.example.com/custom/traces/", want: target{endpoint: "otel.example.com:4318", path: "/custom/traces"}},
		{raw: "https://otel.example.com:443", want: target{endpoint: "otel.example.com:443"}},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := resolveEndpoint(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, raw := range []string{"", "grpc://collector:4317", "http://"} {
		_, err := resolveEndpoint(raw)
		assert.Error(t, err, raw)
	}
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", "bookworm", "test", zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "http://127.0.0.1:4318", "bookworm", "test", zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
