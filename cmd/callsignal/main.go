// Package main places, answers, and loops back calls negotiated through a shared store.
//
// Usage:
//
//	callsignal loopback [-duration 5s] [-video]
//	callsignal call -user alice -target bob [-video]
//	callsignal answer -user bob -call <call id>
//
// Settings come from the environment and an optional .env file; see package config.
// Calls between processes need CALLSIGNAL_MONGODB_URI so both sides share a store.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"go.viam.com/callsignal"
	"go.viam.com/callsignal/config"
	"go.viam.com/callsignal/lifecycle"
	"go.viam.com/callsignal/media"
	"go.viam.com/callsignal/perf"
	"go.viam.com/callsignal/session"
	"go.viam.com/callsignal/signaling"
)

var logger = golog.Global().Named("callsignal")

func main() {
	callsignal.ContextualMain(mainWithArgs, logger)
}

const usage = "usage: callsignal loopback|call|answer [flags]"

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	envFile   string
	debug     bool
	synthetic bool
	video     bool
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.envFile, "env", "", "path of an env file to load (default .env)")
	fs.BoolVar(&f.debug, "debug", false, "log debug output, metrics and traces")
	fs.BoolVar(&f.synthetic, "synthetic", false, "send generated media instead of capturing devices")
	fs.BoolVar(&f.video, "video", false, "place a video call instead of an audio call")
}

func (f *commonFlags) callType() session.CallType {
	if f.video {
		return session.CallTypeVideo
	}
	return session.CallTypeAudio
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	if len(args) < 2 {
		return errors.New(usage)
	}
	switch args[1] {
	case "loopback":
		return runLoopback(ctx, args[2:], logger)
	case "call":
		return runCall(ctx, args[2:], logger)
	case "answer":
		return runAnswer(ctx, args[2:], logger)
	default:
		return errors.Errorf("unknown command %q; %s", args[1], usage)
	}
}

func parse(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return errors.Wrapf(err, "%s %s", usage, fs.Name())
	}
	if fs.NArg() != 0 {
		return errors.Errorf("unexpected arguments %v", fs.Args())
	}
	return nil
}

// env is everything a subcommand needs to build controllers.
type env struct {
	cfg      config.Config
	store    signaling.Store
	capturer media.Capturer
	logger   golog.Logger
	closers  []func() error
}

func setup(ctx context.Context, flags commonFlags, logger golog.Logger) (*env, error) {
	if flags.debug {
		callsignal.Debug = true
		logger = callsignal.NewLogger("callsignal")
	}
	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	e := &env{cfg: cfg, logger: logger}
	if err := perf.RegisterViews(); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() error {
		perf.UnregisterViews()
		return nil
	})
	if flags.debug {
		viewExporter := perf.NewLoggingViewExporter(logger)
		spanExporter := perf.NewLoggingSpanExporter(logger)
		view.RegisterExporter(viewExporter)
		trace.RegisterExporter(spanExporter)
		e.closers = append(e.closers, func() error {
			view.UnregisterExporter(viewExporter)
			trace.UnregisterExporter(spanExporter)
			return nil
		})
	}

	if flags.synthetic {
		e.capturer = media.SyntheticCapturer{}
	} else {
		e.capturer, err = deviceCapturer(logger)
		if err != nil {
			return nil, multierr.Combine(err, e.Close())
		}
	}

	if err := e.openStore(ctx); err != nil {
		return nil, multierr.Combine(err, e.Close())
	}
	return e, nil
}

func (e *env) openStore(ctx context.Context) error {
	if e.cfg.MongoDBURI == "" {
		store := signaling.NewMemoryStore(e.logger)
		e.store = store
		e.closers = append(e.closers, store.Close)
		return nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(e.cfg.MongoDBURI))
	if err != nil {
		return errors.Wrap(err, "error connecting to mongodb")
	}
	e.closers = append(e.closers, func() error {
		return client.Disconnect(context.Background())
	})
	// ended calls are deleted by their controller; the index catches any left behind,
	// including ringing calls whose caller went away.
	store, err := signaling.NewMongoDBStore(ctx, client, e.logger,
		signaling.WithDatabase(e.cfg.MongoDBDatabase),
		signaling.WithExpireAfter(e.cfg.Collection, session.FieldCreatedAt, e.cfg.RecordTTL),
	)
	if err != nil {
		return err
	}
	e.store = store
	e.closers = append(e.closers, store.Close)
	return nil
}

func (e *env) newController(user string, surface lifecycle.Surface) (*lifecycle.Controller, error) {
	manager, err := media.NewManager(e.capturer, media.Options{
		VideoWidth:                e.cfg.VideoWidth,
		VideoHeight:               e.cfg.VideoHeight,
		IncludeLoopbackCandidates: true,
	}, e.logger)
	if err != nil {
		return nil, err
	}
	return lifecycle.NewController(
		e.store,
		manager,
		lifecycle.StaticIdentity(user),
		surface,
		e.cfg.LifecycleOptions(),
		e.logger.Named(user),
	), nil
}

// Close releases everything in reverse order.
func (e *env) Close() error {
	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = multierr.Combine(err, e.closers[i]())
	}
	e.closers = nil
	return err
}

// printSurface logs events and reports when the call is over.
type printSurface struct {
	name   string
	logger golog.Logger
	ended  chan struct{}
	remote chan struct{}
}

func newPrintSurface(name string, logger golog.Logger) *printSurface {
	return &printSurface{
		name:   name,
		logger: logger.Named(name),
		ended:  make(chan struct{}, 1),
		remote: make(chan struct{}, 1),
	}
}

func (s *printSurface) Notify(event lifecycle.Event) {
	switch e := event.(type) {
	case lifecycle.LocalStreamReady:
		s.logger.Infow("local media ready", "tracks", len(e.Stream.Tracks()))
	case lifecycle.RemoteStreamUpdated:
		s.logger.Infow("remote media updated", "tracks", len(e.Stream.Tracks()))
		select {
		case s.remote <- struct{}{}:
		default:
		}
	case lifecycle.StatusChanged:
		s.logger.Infow("status changed", "call_id", e.CallID, "status", e.Status, "reason", e.Reason)
		if e.Status == session.StatusEnded {
			select {
			case s.ended <- struct{}{}:
			default:
			}
		}
	case lifecycle.TimerTick:
		if e.Elapsed%(10*time.Second) == 0 {
			s.logger.Infow("call running", "elapsed", e.Elapsed)
		}
	case lifecycle.ErrorEvent:
		s.logger.Errorw("call error", "kind", e.Kind, "message", e.Message)
	}
}

// waitForEnd blocks until the call ends or ctx is done, then hangs up.
func waitForEnd(ctx context.Context, controller *lifecycle.Controller, surface *printSurface) error {
	callsignal.SelectContextOrWaitChan(ctx, surface.ended)
	endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return controller.End(endCtx)
}

func runCall(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var flags commonFlags
	var user, target string
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	flags.register(fs)
	fs.StringVar(&user, "user", "", "id of the calling user")
	fs.StringVar(&target, "target", "", "id of the user to call")
	if err := parse(fs, args); err != nil {
		return err
	}

	e, err := setup(ctx, flags, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, e.Close())
	}()
	surface := newPrintSurface(user, e.logger)
	controller, err := e.newController(user, surface)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, controller.Close())
	}()

	callID, err := controller.Start(ctx, target, flags.callType())
	if err != nil {
		return err
	}
	fmt.Println(callID)
	return waitForEnd(ctx, controller, surface)
}

func runAnswer(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var flags commonFlags
	var user, callID string
	fs := flag.NewFlagSet("answer", flag.ContinueOnError)
	flags.register(fs)
	fs.StringVar(&user, "user", "", "id of the answering user")
	fs.StringVar(&callID, "call", "", "id of the call to answer")
	if err := parse(fs, args); err != nil {
		return err
	}

	e, err := setup(ctx, flags, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, e.Close())
	}()
	surface := newPrintSurface(user, e.logger)
	controller, err := e.newController(user, surface)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, controller.Close())
	}()

	if err := controller.Accept(ctx, callID); err != nil {
		return err
	}
	return waitForEnd(ctx, controller, surface)
}

func runLoopback(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var flags commonFlags
	var duration time.Duration
	fs := flag.NewFlagSet("loopback", flag.ContinueOnError)
	flags.register(fs)
	fs.DurationVar(&duration, "duration", 5*time.Second, "how long the call runs once connected")
	if err := parse(fs, args); err != nil {
		return err
	}

	e, err := setup(ctx, flags, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, e.Close())
	}()

	callerSurface := newPrintSurface("alice", e.logger)
	caller, err := e.newController("alice", callerSurface)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, caller.Close())
	}()
	receiverSurface := newPrintSurface("bob", e.logger)
	receiver, err := e.newController("bob", receiverSurface)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, receiver.Close())
	}()

	callID, err := caller.Start(ctx, "bob", flags.callType())
	if err != nil {
		return err
	}
	if err := receiver.Accept(ctx, callID); err != nil {
		return err
	}
	if !callsignal.SelectContextOrWaitChan(ctx, callerSurface.remote) {
		return ctx.Err()
	}
	e.logger.Infow("loopback call connected", "call_id", callID, "duration", duration)
	if !callsignal.SelectContextOrWait(ctx, duration) {
		return ctx.Err()
	}
	if err := caller.End(ctx); err != nil {
		return err
	}
	callsignal.SelectContextOrWaitChan(ctx, receiverSurface.ended)
	return nil
}
