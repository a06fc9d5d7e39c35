package reqcontext

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGenerateCorrelationID(t *testing.T) {
	id1 := GenerateCorrelationID()
	id2 := GenerateCorrelationID()

	assert.Len(t, id1, 26)
	assert.NotEqual(t, id1, id2)
	assert.True(t, IsValidID(id1))
}

func TestGetOrGenerateID(t *testing.T) {
	assert.Equal(t, "abc-123", GetOrGenerateID("abc-123"))

	for _, bad := range []string{"", "has space", "semi;colon", strings.Repeat("a", 257)} {
		got := GetOrGenerateID(bad)
		assert.NotEqual(t, bad, got)
		assert.True(t, IsValidID(got))
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetCorrelationID(ctx))
	assert.Empty(t, GetSessionID(ctx))
	assert.Equal(t, SourceUnknown, GetRequestSource(ctx))

	ctx = WithCorrelationID(ctx, "corr")
	ctx = WithRequestID(ctx, "req")
	ctx = WithSessionID(ctx, "sess")
	ctx = WithRequestSource(ctx, SourceCLI)

	assert.Equal(t, "corr", GetCorrelationID(ctx))
	assert.Equal(t, "req", GetRequestID(ctx))
	assert.Equal(t, "sess", GetSessionID(ctx))
	assert.Equal(t, SourceCLI, GetRequestSource(ctx))
}

func TestWithMetadata(t *testing.T) {
	ctx := WithMetadata(context.Background(), SourceInternal)
	assert.NotEmpty(t, GetCorrelationID(ctx))
	assert.Equal(t, SourceInternal, GetRequestSource(ctx))
}

func TestLoggerDecoratesFallback(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := WithSessionID(WithCorrelationID(context.Background(), "c1"), "s1")
	Logger(ctx, base).Info("hello")

	fields := recorded.All()[0].ContextMap()
	assert.Equal(t, "c1", fields["correlation_id"])
	assert.Equal(t, "s1", fields["session_id"])

	stored := zap.NewNop()
	assert.Same(t, stored, Logger(WithLogger(ctx, stored), base))
}
