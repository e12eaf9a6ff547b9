package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/edumagiceco/graphrag/pkg/apperr"
)

func TestOpensAfterConsecutiveTransientFailures(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 3, Timeout: time.Minute})
	fail := func() error { return apperr.New(apperr.KindTransient, "down") }

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}

	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestPermanentErrorsDoNotTrip(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 2})
	fail := func() error { return apperr.New(apperr.KindPermanent, "bad schema") }

	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), fail)
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenRecovers(t *testing.T) {
	cb := New("test", Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          10 * time.Millisecond,
		MaxRequests:      1,
	})

	cb.Execute(context.Background(), func() error {
		return apperr.New(apperr.KindTransient, "down")
	})
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}
