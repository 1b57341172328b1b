package app

import (
	"context"
	"fmt"
	"time"

	logx "yinchabot/pkg/logx"
)

// stopStep runs fn with an upper bound that never extends the caller's
// deadline. A step that overruns is abandoned and its late result logged.
func stopStep(ctx context.Context, log logx.Logger, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		log.Warn("stop step skipped; no time left", logx.String("step", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("step", name), logx.Err(err))
		}
		log.Debug("stop step end", logx.String("step", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)", logx.String("step", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			log.Info("stop step finished after deadline", logx.String("step", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
