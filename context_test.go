package callsignal

import (
	"context"
	"testing"

	"go.viam.com/test"
)

func TestMergeContext(t *testing.T) {
	ctx1 := context.Background()
	mergedCtx, mergedCtxCancel := MergeContext(ctx1, ctx1)
	select {
	case <-mergedCtx.Done():
	default:
	}
	mergedCtxCancel()
	<-mergedCtx.Done()
	test.That(t, mergedCtx.Err(), test.ShouldBeError, context.Canceled)

	ctx1, ctx1Cancel := context.WithCancel(context.Background())
	mergedCtx, mergedCtxCancel = MergeContext(ctx1, ctx1)
	select {
	case <-mergedCtx.Done():
	default:
	}
	ctx1Cancel()
	<-mergedCtx.Done()
	test.That(t, mergedCtx.Err(), test.ShouldBeError, context.Canceled)
	mergedCtxCancel()

	ctx1, ctx1Cancel = context.WithCancel(context.Background())
	mergedCtx, mergedCtxCancel = MergeContext(context.Background(), ctx1)
	select {
	case <-mergedCtx.Done():
	default:
	}
	ctx1Cancel()
	<-mergedCtx.Done()
	test.That(t, mergedCtx.Err(), test.ShouldBeError, context.Canceled)
	mergedCtxCancel()
}

func TestMergeContextKeepsFirstValues(t *testing.T) {
	type key struct{}
	ctx1 := context.WithValue(context.Background(), key{}, "call")
	ctx2, ctx2Cancel := context.WithCancel(context.Background())
	mergedCtx, mergedCtxCancel := MergeContext(ctx1, ctx2)
	defer mergedCtxCancel()
	test.That(t, mergedCtx.Value(key{}), test.ShouldEqual, "call")
	ctx2Cancel()
	<-mergedCtx.Done()
	test.That(t, ctx1.Err(), test.ShouldBeNil)
}
