package temporal

import "go.uber.org/zap"

// ZapAdapter satisfies the SDK's keyval logger interface on top of zap. Both
// worker queues and the schedule client log through it, so SDK-attached
// fields (Namespace, TaskQueue, WorkerID) come out as structured keys.
type ZapAdapter struct {
	sugar *zap.SugaredLogger
}

// NewZapAdapter wraps a zap logger for use as an SDK client logger.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	// Skip the adapter frame so callers resolve to the SDK call site.
	return &ZapAdapter{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) { z.sugar.Debugw(msg, keyvals...) }
func (z *ZapAdapter) Info(msg string, keyvals ...interface{})  { z.sugar.Infow(msg, keyvals...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...interface{})  { z.sugar.Warnw(msg, keyvals...) }
func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) { z.sugar.Errorw(msg, keyvals...) }
