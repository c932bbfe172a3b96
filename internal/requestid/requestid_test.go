package requestid

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	assert.Empty(t, FromContext(context.Background()))

	ctx := WithRequestID(context.Background(), "test-123")
	assert.Equal(t, "test-123", FromContext(ctx))
}

func TestResolve(t *testing.T) {
	good := uuid.New().String()
	assert.Equal(t, good, Resolve(good))

	for _, bad := range []string{"", "not-a-uuid", "<script>"} {
		got := Resolve(bad)
		assert.NotEqual(t, bad, got)
		_, err := uuid.Parse(got)
		assert.NoError(t, err)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithRequestID(context.Background(), "req-1")
	l := Logger(ctx, base)
	l.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)

	buf.Reset()
	l = Logger(context.Background(), base)
	l.Info().Msg("hello")
	assert.NotContains(t, buf.String(), "request_id")
}
