package logx

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// maskingCore wraps a core and redacts sensitive structured fields and masks
// raw keys in Entry.Message. Intended for console output only.
type maskingCore struct {
	zapcore.Core
	sensitive   map[string]struct{} // lowercased keys to redact
	maskPattern *regexp.Regexp
}

// NewMaskingCore wraps c so that mnemonics and private keys never reach it.
func NewMaskingCore(c zapcore.Core) zapcore.Core {
	return &maskingCore{
		Core:        c,
		sensitive:   defaultSensitiveKeys(),
		maskPattern: defaultMaskPattern(),
	}
}

func (m *maskingCore) redact(fields []zapcore.Field) []zapcore.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zapcore.Field, 0, len(fields))
	for _, f := range fields {
		if _, ok := m.sensitive[strings.ToLower(f.Key)]; ok {
			out = append(out, zap.String(f.Key, redacted))
			continue
		}
		out = append(out, f)
	}
	return out
}

// With must keep the wrapper, otherwise fields attached through
// logger.With(...) would bypass redaction.
func (m *maskingCore) With(fields []zapcore.Field) zapcore.Core {
	return &maskingCore{
		Core:        m.Core.With(m.redact(fields)),
		sensitive:   m.sensitive,
		maskPattern: m.maskPattern,
	}
}

func (m *maskingCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if m.Enabled(entry.Level) {
		return ce.AddCore(entry, m)
	}
	return ce
}

func (m *maskingCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if entry.Message != "" {
		entry.Message = m.maskPattern.ReplaceAllString(entry.Message, redacted)
	}
	return m.Core.Write(entry, m.redact(fields))
}

func defaultSensitiveKeys() map[string]struct{} {
	keys := []string{
		"mnemonic", "mnemonics", "rich_mnemonic", "seed", "passphrase",
		"priv", "private", "private_key", "privatekey", "secret", "raw_key",
	}
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

func defaultMaskPattern() *regexp.Regexp {
	// 64 hex chars, optionally 0x-prefixed: a raw secp256k1 key
	return regexp.MustCompile(`(?i)\b(0x)?[a-f0-9]{64}\b`)
}
