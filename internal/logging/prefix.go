package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Prefixed returns a logger whose messages start with prefix. Prefixes
// nest: the outermost wrapper's prefix is written last, so a sub logger
// derived from a group logger reads "[group/g] [sub/s] msg".
func Prefixed(l *zap.Logger, prefix string) *zap.Logger {
	if l == nil {
		l = Global()
	}
	return l.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return prefixCore{Core: c, prefix: prefix}
	}))
}

type prefixCore struct {
	zapcore.Core
	prefix string
}

func (c prefixCore) With(fields []zapcore.Field) zapcore.Core {
	return prefixCore{Core: c.Core.With(fields), prefix: c.prefix}
}

func (c prefixCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c prefixCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.prefix + " " + ent.Message
	return c.Core.Write(ent, fields)
}
