package logging

import (
	"errors"
	"io"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationScope = "github.com/fyrsmithlabs/selfheal"

// buildCore assembles the encoder core for cfg.Output, adding the OTEL
// bridge when requested and a provider is available.
func buildCore(cfg *Config, w io.Writer, provider log.LoggerProvider) (zapcore.Core, error) {
	enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, err
	}
	core := sampled(zapcore.NewCore(enc, zapcore.AddSync(w), cfg.Level), cfg.Sampling)

	if cfg.Output != OutputOTEL {
		return core, nil
	}
	if provider == nil {
		return nil, errors.New("otel output requested but no logger provider is available")
	}
	bridge := otelzap.NewCore(instrumentationScope, otelzap.WithLoggerProvider(provider))
	return zapcore.NewTee(core, bridge), nil
}

// writerFor returns the process stream for an output name.
func writerFor(output string) io.Writer {
	if output == OutputStdout {
		return os.Stdout
	}
	return os.Stderr
}

// sampled splits core at error level and samples only the lower half.
func sampled(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	errs := &levelRange{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel}
	rest := &levelRange{Core: core, min: zapcore.DebugLevel, max: zapcore.WarnLevel}
	return zapcore.NewTee(errs, zapcore.NewSamplerWithOptions(rest, cfg.Tick, cfg.Initial, cfg.Thereafter))
}

// levelRange passes entries whose level lies in [min, max].
type levelRange struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelRange) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelRange) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return c.Core.Check(e, ce)
	}
	return ce
}

func (c *levelRange) With(fields []zapcore.Field) zapcore.Core {
	return &levelRange{Core: c.Core.With(fields), min: c.min, max: c.max}
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}
