package evhttpd

import (
	"errors"

	"github.com/vincentwuo/evhttpd/internal/engine"
	"github.com/vincentwuo/evhttpd/pkg/config"
)

// Startup errors are fatal; the others only ever cost one connection or one accept pass.
var (
	ErrConfig       = config.ErrConfig
	ErrBind         = errors.New("cannot acquire listening socket")
	ErrPoolInit     = engine.ErrPoolInit
	ErrRegistration = engine.ErrRegistration
	ErrAcceptFatal  = errors.New("accept failed")
	ErrProcessing   = errors.New("processing failed")
	ErrRunning      = errors.New("engine already running")
)
