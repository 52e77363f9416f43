// Package klog sets up structured logging for the kernel harness and
// stamps every boot/mount session with a correlation id.
package klog

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

/// New builds a zap.Logger. debug widens the level to zap.DebugLevel and
/// switches to a human-readable console encoder; production mode emits
/// JSON, matching typical cobra/viper-driven CLI conventions.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg.Build()
}

/// BootSession is a per-boot correlation id threaded through log lines so a
/// multi-hart run's output can be told apart from the next one.
type BootSession struct {
	ID uuid.UUID
}

func NewBootSession() BootSession {
	return BootSession{ID: uuid.New()}
}

/// Field returns a zap.Field carrying the session id, for use at the top
/// of any logger chain: log.With(session.Field()).
func (s BootSession) Field() zap.Field {
	return zap.String("boot_session", s.ID.String())
}
