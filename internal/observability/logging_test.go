package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  DefaultLogConfig(),
		},
		{
			name: "console format",
			cfg:  LogConfig{Level: "debug", Format: "console", Output: "stderr"},
		},
		{
			name:    "invalid level",
			cfg:     LogConfig{Level: "verbose"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)

			logger.Debug("debug message", String("key", "value"))
			logger.Info("info message", Int("count", 1))
		})
	}
}

func TestLogger_With(t *testing.T) {
	logger := NopLogger()
	child := logger.With(String("component", "test"))
	require.NotNil(t, child)

	// Both loggers must remain usable.
	logger.Info("parent")
	child.Info("child")
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
}

func TestLogger_WithContext(t *testing.T) {
	logger := NopLogger()

	// Context without a request ID returns the same logger.
	same := logger.WithContext(context.Background())
	assert.Equal(t, logger, same)

	// Context with a request ID returns an annotated logger.
	ctx := ContextWithRequestID(context.Background(), "req-456")
	annotated := logger.WithContext(ctx)
	require.NotNil(t, annotated)
	annotated.Info("annotated")
}
