package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/bedrockproxy/internal/metrics"
	"github.com/udisondev/bedrockproxy/internal/testutil"
)

func TestDialBackend(t *testing.T) {
	policy := dialPolicy{attempts: 3, timeout: time.Second, interval: time.Millisecond}

	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantDials int
	}{
		{name: "first attempt", failures: 0, wantDials: 1},
		{name: "after retries", failures: 2, wantDials: 3},
		{name: "gives up", failures: 5, wantErr: true, wantDials: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := testutil.NewPipeDialer(t, tt.failures)
			m := metrics.New()
			retries := 0

			link, err := dialBackend(context.Background(), dialer, "backend:19133", policy, m,
				func(error, time.Duration) { retries++ })

			assert.Equal(t, tt.wantDials, dialer.Dials())
			assert.Equal(t, tt.wantDials-1, retries)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, link)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, link)
			link.Disconnect("")
		})
	}
}

func TestDialBackend_StopsOnCancel(t *testing.T) {
	dialer := testutil.NewPipeDialer(t, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := dialPolicy{attempts: 1000, interval: time.Hour}
	start := time.Now()
	_, err := dialBackend(ctx, dialer, "backend:19133", policy, nil, nil)

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.LessOrEqual(t, dialer.Dials(), 1)
}
