package logging

import (
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// SetLogLevels sets levels for the given subsystems. The special subsystem
// "*" applies the level to every registered subsystem.
func SetLogLevels(systems map[string]logging.LogLevel) error {
	for sys, level := range systems {
		l := zapcore.Level(level)
		if sys == "*" {
			for _, s := range logging.GetSubsystems() {
				if err := logging.SetLogLevel(s, l.CapitalString()); err != nil {
					return err
				}
			}
		}
		if err := logging.SetLogLevel(sys, l.CapitalString()); err != nil {
			return err
		}
	}
	return nil
}
