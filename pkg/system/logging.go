// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Debug selects the human readable
// development encoder at debug level; otherwise a JSON production logger at
// info level is returned.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil
	return cfg.Build()
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return zap.NewNop().Sugar()
	}
	return log
}

// Fingerprint returns a short, stable, non-reversible identifier for a secret
// so it can be correlated in logs without leaking it.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}

// SessionFields returns key/value pairs describing a session target, suitable
// for SugaredLogger.With or Infow calls. Empty values are omitted.
func SessionFields(region, startURL string) []interface{} {
	fields := make([]interface{}, 0, 4)
	if region != "" {
		fields = append(fields, "region", region)
	}
	if startURL != "" {
		fields = append(fields, "startUrl", startURL)
	}
	return fields
}
