package ingest

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/featuresink/pkg/clients"
	"github.com/ajitpratap0/featuresink/pkg/errors"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{200, Success},
		{202, Success},
		{299, Success},
		{400, Terminal},
		{401, Terminal},
		{403, Terminal},
		{404, Terminal},
		{408, Retriable},
		{413, Terminal},
		{425, Retriable},
		{429, Retriable},
		{500, Retriable},
		{501, Terminal},
		{502, Retriable},
		{503, Retriable},
		{504, Retriable},
		{505, Terminal},
		{302, Terminal},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.code))
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind Kind
		wantType errors.ErrorType
	}{
		{"closed client", fmt.Errorf("post: %w", clients.ErrClosed), Terminal, errors.ErrorTypeShutdown},
		{"closed conn", &net.OpError{Op: "read", Err: net.ErrClosed}, Terminal, errors.ErrorTypeShutdown},
		{"stream reset", http2.StreamError{StreamID: 1, Code: http2.ErrCodeRefusedStream}, Retriable, errors.ErrorTypeTransport},
		{"go away", http2.GoAwayError{ErrCode: http2.ErrCodeNo}, Retriable, errors.ErrorTypeTransport},
		{"connection error", fmt.Errorf("wrapped: %w", http2.ConnectionError(http2.ErrCodeProtocol)), Retriable, errors.ErrorTypeTransport},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), Retriable, errors.ErrorTypeTimeout},
		{"canceled", context.Canceled, Retriable, errors.ErrorTypeTransport},
		{"unexpected eof", io.ErrUnexpectedEOF, Retriable, errors.ErrorTypeTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, errType := ClassifyTransportError(tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantType, errType)
		})
	}
}

func TestKindAndSeverity(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "retriable", Retriable.String())
	assert.Equal(t, "terminal", Terminal.String())
	assert.Equal(t, "unknown", Kind(9).String())

	ok := Outcome{Kind: Success}
	retry := Outcome{Kind: Retriable, StatusCode: 503}
	fatal := Outcome{Kind: Terminal, StatusCode: 401}

	assert.Equal(t, retry, MoreSevere(ok, retry))
	assert.Equal(t, fatal, MoreSevere(retry, fatal))
	assert.Equal(t, fatal, MoreSevere(fatal, retry))
	assert.Equal(t, ok, MoreSevere(ok, Outcome{Kind: Success, StatusCode: 201}))

	assert.NoError(t, ok.Error())
	assert.True(t, errors.IsRetryable(retry.Error()))
	assert.False(t, errors.IsRetryable(fatal.Error()))
}

func TestPermits(t *testing.T) {
	p := NewPermits(2)
	ctx := context.Background()

	r1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	r2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, p.InUse())
	assert.Equal(t, 0, p.Available())

	_, err = p.Acquire(ctx, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConcurrency))
	assert.True(t, errors.IsRetryable(err))

	r1()
	r1()
	assert.Equal(t, 1, p.InUse())

	r3, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	r2()
	r3()
	assert.Equal(t, 0, p.InUse())
	assert.Equal(t, 2, p.Available())
}

func TestPermitsCanceledContext(t *testing.T) {
	p := NewPermits(1)
	release, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConcurrency))
}

func TestNewPermitsMinimumSize(t *testing.T) {
	assert.Equal(t, 1, NewPermits(0).Size())
	assert.Equal(t, 1, NewPermits(-3).Size())
}

func TestRetryPolicyDelay(t *testing.T) {
	rp := NewRetryPolicy(3, time.Second)
	assert.Equal(t, 4, rp.MaxAttempts)
	assert.Equal(t, time.Duration(0), rp.Delay(1))
	assert.Equal(t, time.Second, rp.Delay(2))
	assert.Equal(t, 2*time.Second, rp.Delay(3))
	assert.Equal(t, 4*time.Second, rp.Delay(4))

	rp.MaxDelay = 3 * time.Second
	assert.Equal(t, 3*time.Second, rp.Delay(4))

	assert.Equal(t, 1, NewRetryPolicy(-1, time.Second).MaxAttempts)
}

func TestRetryPolicyJitter(t *testing.T) {
	rp := NewRetryPolicy(3, 100*time.Millisecond)
	rp.RandomizeFactor = 0.5
	for i := 0; i < 50; i++ {
		d := rp.Delay(2)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
