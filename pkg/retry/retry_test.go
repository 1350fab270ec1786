package retry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportive/synckit/pkg/retry"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := retry.Policy{Base: 100 * time.Millisecond, Factor: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
}

func TestDelayIsCappedAndMonotonic(t *testing.T) {
	p := retry.Policy{Base: time.Second, Factor: 1.5, Max: 10 * time.Second}

	prev := time.Duration(0)
	capped := false
	for n := 1; n <= 20; n++ {
		d := p.Delay(n)
		assert.LessOrEqual(t, d, 10*time.Second, "delay(%d) exceeds cap", n)
		if capped {
			assert.Equal(t, 10*time.Second, d, "once capped, delay stays at the cap")
		} else {
			assert.GreaterOrEqual(t, d, prev, "delay must not decrease before the cap")
		}
		if d == 10*time.Second {
			capped = true
		}
		prev = d
	}
	assert.True(t, capped, "expected the cap to be reached within 20 attempts")
}

func TestDelayHugeAttemptDoesNotOverflow(t *testing.T) {
	p := retry.Policy{Base: time.Second, Factor: 2, Max: time.Minute}
	assert.Equal(t, time.Minute, p.Delay(500))
}

func TestStateExhaustion(t *testing.T) {
	s := retry.NewState(retry.Policy{Base: time.Second, Factor: 2, MaxAttempts: 3})

	for i := 1; i <= 3; i++ {
		d, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, time.Duration(1<<(i-1))*time.Second, d)
	}

	assert.True(t, s.Exhausted())
	_, err := s.Next()
	assert.ErrorIs(t, err, retry.ErrExhausted)

	s.Reset()
	assert.False(t, s.Exhausted())
	_, err = s.Next()
	assert.NoError(t, err)
}

func TestZeroMaxAttemptsIsUnbounded(t *testing.T) {
	s := retry.NewState(retry.Policy{Base: time.Millisecond, Factor: 2, Max: time.Second})
	for range 100 {
		_, err := s.Next()
		require.NoError(t, err)
	}
	assert.False(t, s.Exhausted())
}
