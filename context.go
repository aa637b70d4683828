package callsignal

import "context"

// MergeContext merges the two given contexts together and returns a new "child"
// context parented by the first context that will be cancelled either by the
// returned cancel function or when either of the two initial contexts are canceled.
// Note: This implies that the values will only come from the first argument's context.
func MergeContext(ctx, innerCtx context.Context) (context.Context, func()) {
	mergedCtx, mergedCtxCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(innerCtx, mergedCtxCancel)
	return mergedCtx, func() {
		stop()
		mergedCtxCancel()
	}
}
