package printer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr, prevColor := Out, ErrOut, color.NoColor
	Out, ErrOut, color.NoColor = &out, &errOut, true
	t.Cleanup(func() { Out, ErrOut, color.NoColor = prevOut, prevErr, prevColor })
	return &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "This is a test error", nil)
		require.EqualError(t, err, "Test Error")
		assert.Equal(t, "Test Error\n\nThis is a test error\n", errOut.String())
	})

	t.Run("single suggestion is printed plainly", func(t *testing.T) {
		_, errOut := capture(t)
		require.EqualError(t, Error("Test Error", "Explanation", []string{"Try this fix"}), "Test Error")
		assert.True(t, strings.HasSuffix(errOut.String(), "\nTry this fix\n"))
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		_, errOut := capture(t)
		Error("Test Error", "Explanation", []string{"First option", "Second option"})
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContextSortsKeys(t *testing.T) {
	_, errOut := capture(t)
	err := ErrorWithContext("Render failed", "", map[string]string{
		"Document": "abc",
		"Category": "Generated",
	}, nil)
	require.EqualError(t, err, "Render failed")
	assert.Equal(t, "Render failed\n\n\n  Category: Generated\n  Document: abc\n", errOut.String())
}

func TestSuccessAndWarningPrefixes(t *testing.T) {
	out, errOut := capture(t)
	Success("saved\n")
	Success("✓ already prefixed\n")
	Warning("careful\n")
	assert.Equal(t, "✓ saved\n✓ already prefixed\n", out.String())
	assert.Equal(t, "⚠️  careful\n", errOut.String())
}
