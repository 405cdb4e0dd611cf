package async

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type ctxKey struct{}

func TestGo_ReturnsError(t *testing.T) {
	boom := errors.New("boom")

	task := Go(context.Background(), zap.NewNop(), "notify", func(ctx context.Context) error {
		return boom
	})

	assert.ErrorIs(t, task.Wait(), boom)
}

func TestGo_RecoversPanic(t *testing.T) {
	task := Go(context.Background(), zap.NewNop(), "audit", func(ctx context.Context) error {
		panic("nil map")
	})

	err := task.Wait()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "audit")
}

func TestGo_SurvivesCancelledParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "req-1"))
	cancel()

	task := Go(parent, zap.NewNop(), "publish", func(ctx context.Context) error {
		if ctx.Value(ctxKey{}) != "req-1" {
			return errors.New("context value lost")
		}
		return ctx.Err()
	})

	assert.NoError(t, task.Wait())
}

func TestDone(t *testing.T) {
	assert.NoError(t, Done(nil).Wait())

	boom := errors.New("disabled")
	assert.ErrorIs(t, Done(boom).Wait(), boom)
}
