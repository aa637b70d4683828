package main

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"go.viam.com/callsignal/config"
)

func TestMainWithArgs(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx := context.Background()

	err := mainWithArgs(ctx, []string{"callsignal"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "usage")

	err = mainWithArgs(ctx, []string{"callsignal", "dial"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown command")

	err = mainWithArgs(ctx, []string{"callsignal", "call", "-nope"}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	err = mainWithArgs(ctx, []string{"callsignal", "answer", "extra"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unexpected arguments")
}

func TestLoopback(t *testing.T) {
	t.Setenv(config.EnvMongoDBURI, "")
	t.Setenv(config.EnvDeleteGrace, "10ms")
	logger := golog.NewTestLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := mainWithArgs(ctx, []string{
		"callsignal", "loopback",
		"-synthetic", "-video",
		"-env", t.TempDir() + "/none.env",
		"-duration", "100ms",
	}, logger)
	test.That(t, err, test.ShouldBeNil)
}
