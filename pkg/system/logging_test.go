package system

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	for _, debug := range []bool{true, false} {
		logger, err := NewLogger(debug)
		require.NoError(t, err)
		require.NotNil(t, logger)
		assert.Equal(t, debug, logger.Core().Enabled(zap.DebugLevel))
	}
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
	sugar := zap.NewNop().Sugar()
	require.Same(t, sugar, OrNop(sugar))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "", Fingerprint(""))
	fp := Fingerprint("tok-1")
	assert.Len(t, fp, 12)
	assert.Equal(t, fp, Fingerprint("tok-1"))
	assert.NotEqual(t, fp, Fingerprint("tok-2"))
	assert.NotContains(t, fp, "tok-1")
}

func TestSessionFields(t *testing.T) {
	require.Equal(t, []interface{}{"region", "eu-central-1", "startUrl", "https://example.awsapps.com/start"},
		SessionFields("eu-central-1", "https://example.awsapps.com/start"))
	require.Equal(t, []interface{}{"region", "us-east-1"}, SessionFields("us-east-1", ""))
	require.Empty(t, SessionFields("", ""))
}

func TestSessionFieldsAttachToLogger(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	logger := zap.New(core).Sugar().With(SessionFields("eu-west-1", "https://x.awsapps.com/start")...)
	logger.Infow("Session restored")

	entries := recorded.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	require.Equal(t, "eu-west-1", ctx["region"])
	require.Equal(t, "https://x.awsapps.com/start", ctx["startUrl"])
}
