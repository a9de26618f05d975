package logger

import (
	"github.com/teranos/automaton/sym"
	"go.uber.org/zap"
)

// Instance logger wrappers.
// These attach a glyph as a structured field rather than in the message,
// which keeps messages clean and logs queryable by symbol.
//
// Usage:
//
//	e.log = logger.AddPulseSymbol(base.Named("engine"))
//	e.log.Infow("Schedule triggered", logger.FieldScheduleID, id)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddLimitSymbol wraps a logger with the frequency limit symbol (⧗)
func AddLimitSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Limit)
}

// AddAssetSymbol wraps a logger with the asset cache symbol (▤)
func AddAssetSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Asset)
}

// AddRemoteSymbol wraps a logger with the remote data symbol (⟶)
func AddRemoteSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Remote)
}
