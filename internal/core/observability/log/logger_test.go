package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLevelSharedWithChildren(t *testing.T) {
	logger := New(LevelInfo)
	child := logger.With(String("component", "test"))

	logger.SetLevel(LevelError)
	require.Equal(t, LevelError, child.GetLevel())
}

func TestToZapFields(t *testing.T) {
	fields := toZapFields(
		Ref("r1"),
		Uint64("generation", 3),
		Error(errors.New("boom")),
		Error(nil),
		Strings("peers", []string{"a", "b"}),
		Any("payload", map[string]int{"x": 1}),
	)
	require.Len(t, fields, 6)
	assert.Equal(t, "ref", fields[0].Key)
	assert.Equal(t, "generation", fields[1].Key)
	assert.Equal(t, "error", fields[2].Key)
}

func TestNopAndContext(t *testing.T) {
	l := Nop()
	l.Info("discarded", Connection("c1"))
	ctxLogger := l.WithContext(ContextWithTrace(context.Background(), "abc"))
	require.NotNil(t, ctxLogger)
	require.NotNil(t, OrProvide(nil))
}
