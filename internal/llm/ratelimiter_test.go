package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type countingGateway struct {
	calls int
	err   error
}

func (c *countingGateway) Send(ctx context.Context, system string, turns []Turn) (*Reply, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &Reply{Content: "ok"}, nil
}

func TestPacerBurstPassesImmediately(t *testing.T) {
	next := &countingGateway{}
	p := NewPacer(next, 60, 3)

	for i := 0; i < 3; i++ {
		_, err := p.Send(context.Background(), "", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, next.calls)
}

func TestPacerWaitFailureIsGatewayError(t *testing.T) {
	next := &countingGateway{}
	p := NewPacer(next, 1, 1)

	_, err := p.Send(context.Background(), "", nil)
	require.NoError(t, err)

	// The next slot is a minute away, beyond the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Send(ctx, "", nil)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "pace", gwErr.Op)
	assert.Equal(t, 1, next.calls)
}

func TestPacerAdmitThenSendDoesNotWaitAgain(t *testing.T) {
	next := &countingGateway{}
	p := NewPacer(next, 1, 1)

	ctx, err := p.Admit(context.Background())
	require.NoError(t, err)

	// The only token is spent; a second wait would block for a minute.
	callCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Send(callCtx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
}

func TestPacerDoesNotRetry(t *testing.T) {
	next := &countingGateway{err: errors.New("boom")}
	p := NewPacer(next, 0, 0)

	_, err := p.Send(context.Background(), "", nil)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, next.calls)
}

func TestPacerStats(t *testing.T) {
	p := NewPacer(&countingGateway{}, 0, 0)
	stats := p.Stats()
	assert.Equal(t, rate.Inf, stats.Limit)
	assert.Equal(t, 1, stats.Burst)
}
