//go:build !linux || !cgo

package main

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/callsignal/media"
)

func deviceCapturer(logger golog.Logger) (media.Capturer, error) {
	return nil, errors.New("device capture needs linux with cgo; use -synthetic")
}
