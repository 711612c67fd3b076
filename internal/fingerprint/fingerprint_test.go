package fingerprint

import (
	"testing"
	"time"

	"github.com/errwatch/errwatch-backend/internal/config"
	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/stretchr/testify/assert"
)

func newTestEngine() *Engine {
	return NewEngine(config.FingerprintConfig{
		Version:     1,
		TopFrames:   5,
		AppPrefixes: []string{"app/"},
	})
}

func appFrames(n int) []domain.Frame {
	frames := make([]domain.Frame, n)
	for i := range frames {
		frames[i] = domain.Frame{
			File:     "app/handlers/checkout.go",
			Function: "ProcessOrder",
			Line:     100 + i,
		}
	}
	return frames
}

func TestComputeDeterministic(t *testing.T) {
	engine := newTestEngine()

	r1 := &domain.ErrorReport{
		Type:      "NullPointerException",
		Frames:    appFrames(5),
		Timestamp: time.Now(),
		Release:   "1.0.0",
	}
	r2 := &domain.ErrorReport{
		Type:      "NullPointerException",
		Frames:    appFrames(5),
		Timestamp: time.Now().Add(48 * time.Hour),
		Release:   "2.0.0",
		Platform:  "linux",
		UserID:    "someone-else",
	}

	// Timestamp and environment fields never participate
	assert.Equal(t, engine.Compute(r1), engine.Compute(r2))
	assert.Len(t, engine.Compute(r1), Width)
}

func TestComputeDifferentTypesDiverge(t *testing.T) {
	engine := newTestEngine()

	r1 := &domain.ErrorReport{Type: "NullPointerException", Frames: appFrames(3)}
	r2 := &domain.ErrorReport{Type: "TimeoutError", Frames: appFrames(3)}

	assert.NotEqual(t, engine.Compute(r1), engine.Compute(r2))
}

func TestComputeTruncatesToTopApplicationFrames(t *testing.T) {
	engine := newTestEngine()

	// Frames beyond the top 5 application frames must not affect identity
	r1 := &domain.ErrorReport{Type: "OhNo", Frames: appFrames(5)}
	extra := append(appFrames(5), domain.Frame{File: "app/deep/stack.go", Function: "Deep", Line: 9})
	r2 := &domain.ErrorReport{Type: "OhNo", Frames: extra}

	assert.Equal(t, engine.Compute(r1), engine.Compute(r2))
}

func TestLibraryFrameLinesStripped(t *testing.T) {
	engine := newTestEngine()

	lib1 := []domain.Frame{
		{File: "app/main.go", Function: "main", Line: 10},
		{File: "vendor/lib/conn.go", Function: "Dial", Line: 55},
	}
	lib2 := []domain.Frame{
		{File: "app/main.go", Function: "main", Line: 10},
		{File: "vendor/lib/conn.go", Function: "Dial", Line: 999},
	}

	r1 := &domain.ErrorReport{Type: "ConnError", Frames: lib1}
	r2 := &domain.ErrorReport{Type: "ConnError", Frames: lib2}

	// Same library function at a different line is the same error
	assert.Equal(t, engine.Compute(r1), engine.Compute(r2))
}

func TestApplicationFrameLinesRetained(t *testing.T) {
	engine := newTestEngine()

	r1 := &domain.ErrorReport{Type: "Panic", Frames: []domain.Frame{
		{File: "app/main.go", Function: "main", Line: 10},
	}}
	r2 := &domain.ErrorReport{Type: "Panic", Frames: []domain.Frame{
		{File: "app/main.go", Function: "main", Line: 11},
	}}

	assert.NotEqual(t, engine.Compute(r1), engine.Compute(r2))
}

func TestVolatilePathSegmentsScrubbed(t *testing.T) {
	engine := newTestEngine()

	r1 := &domain.ErrorReport{Type: "Boom", Frames: []domain.Frame{
		{File: "app/build/abcdef123456/handler.go", Function: "Handle", Line: 7},
	}}
	r2 := &domain.ErrorReport{Type: "Boom", Frames: []domain.Frame{
		{File: "app/build/fedcba654321/handler.go", Function: "Handle", Line: 7},
	}}

	assert.Equal(t, engine.Compute(r1), engine.Compute(r2))
}

func TestNoStackFallsBackToMessage(t *testing.T) {
	engine := newTestEngine()

	r1 := &domain.ErrorReport{Type: "CronFailure", Message: "job failed for account 123456"}
	r2 := &domain.ErrorReport{Type: "CronFailure", Message: "job failed for account 987654"}
	r3 := &domain.ErrorReport{Type: "CronFailure", Message: "disk full"}
	r4 := &domain.ErrorReport{Type: "CronFailure", Message: "job failed for account 7"}

	// Digit runs are scrubbed so per-entity noise still merges
	assert.Equal(t, engine.Compute(r1), engine.Compute(r2))
	assert.Equal(t, engine.Compute(r1), engine.Compute(r4))
	assert.NotEqual(t, engine.Compute(r1), engine.Compute(r3))
}

func TestExplicitOverrideWins(t *testing.T) {
	engine := newTestEngine()

	r1 := &domain.ErrorReport{Type: "A", Frames: appFrames(2), FingerprintOverride: "payment-errors"}
	r2 := &domain.ErrorReport{Type: "B", Message: "totally different", FingerprintOverride: "payment-errors"}

	assert.Equal(t, engine.Compute(r1), engine.Compute(r2))
}

func TestVersionReKeysGroups(t *testing.T) {
	v1 := NewEngine(config.FingerprintConfig{Version: 1, TopFrames: 5})
	v2 := NewEngine(config.FingerprintConfig{Version: 2, TopFrames: 5})

	r := &domain.ErrorReport{Type: "OhNo", Frames: appFrames(2)}

	assert.NotEqual(t, v1.Compute(r), v2.Compute(r))
}
