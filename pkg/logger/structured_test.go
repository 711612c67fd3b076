package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHelpersSupportLevelChaining(t *testing.T) {
	var buf bytes.Buffer
	zlog = zerolog.New(&buf)

	WithComponent("queue").Warn().Msg("shard held")
	WithTenantID("t1").Error().Msg("enqueue failed")
	WithRequestID("r1").Info().Msg("request done")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"component":"queue"`)
	assert.Contains(t, lines[0], `"level":"warn"`)
	assert.Contains(t, lines[1], `"tenant_id":"t1"`)
	assert.Contains(t, lines[2], `"request_id":"r1"`)
}

func TestInitSelectsWriterByEnv(t *testing.T) {
	Init("production")
	assert.NotNil(t, GetLogger())

	Init("local")
	assert.NotNil(t, GetLogger())
}
