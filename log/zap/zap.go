package zap

import (
	"go.uber.org/zap"

	"github.com/unkn0wn-root/permcache"
)

// Logger adapts a *zap.Logger to the permcache.Logger facade.
type Logger struct{ L *zap.Logger }

var _ permcache.Logger = Logger{}

func (z Logger) Debug(msg string, f permcache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z Logger) Info(msg string, f permcache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z Logger) Warn(msg string, f permcache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z Logger) Error(msg string, f permcache.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f permcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}
