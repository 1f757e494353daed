package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
)

func TestDefaultLoggerIsNoop(t *testing.T) {
	SetLogger(nil)
	assert.NotNil(t, Get())
	// No writer configured: every call must be a safe no-op.
	Get().Info().Str("category", CategoryConn).Log("ignored")
}

func TestStumpyLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewStumpyLogger(stumpy.WithWriter(&buf)))
	t.Cleanup(func() { SetLogger(nil) })

	Get().Info().Str("category", CategoryAccept).Log("accepted")

	out := buf.String()
	assert.True(t, strings.Contains(out, `"category":"accept"`), out)
	assert.True(t, strings.Contains(out, "accepted"), out)
}
