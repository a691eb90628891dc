package compute_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/mycelia/internal/compute"
)

func collect(t *testing.T, prompt string) []compute.GenerateResponse {
	t.Helper()
	var out []compute.GenerateResponse
	err := compute.Placeholder{}.Generate(context.Background(), prompt, func(r compute.GenerateResponse) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestPlaceholderGenerate(t *testing.T) {
	assert.Equal(t, []compute.GenerateResponse{{Response: "4", Done: true}}, collect(t, " 2+2=? "))
	assert.Equal(t, []compute.GenerateResponse{{Response: "", Done: true}}, collect(t, "hello"))
}

func TestPlaceholderEmbed(t *testing.T) {
	emb, err := compute.Placeholder{}.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.0}, emb)
}

func TestPlaceholderHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := compute.Placeholder{}.Generate(ctx, "2+2=?", func(compute.GenerateResponse) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	_, err = compute.Placeholder{}.Embed(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
