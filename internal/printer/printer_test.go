package printer

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prevOut, prevErr, prevNoColor := Out, ErrOut, color.NoColor
	var out, errOut bytes.Buffer
	Out, ErrOut = &out, &errOut
	color.NoColor = true
	t.Cleanup(func() {
		Out, ErrOut, color.NoColor = prevOut, prevErr, prevNoColor
	})
	return &out, &errOut
}

func TestSuccess(t *testing.T) {
	out, _ := capture(t)

	Success("released %s\n", "1.2.11")
	Success("✓ already prefixed\n")

	assert.Equal(t, "✓ released 1.2.11\n✓ already prefixed\n", out.String())
}

func TestWarning(t *testing.T) {
	out, _ := capture(t)

	Warning("could not find %s\n", "dist/demo.swbn")
	assert.Equal(t, "✗ could not find dist/demo.swbn\n", out.String())
}

func TestStepAndDetail(t *testing.T) {
	out, _ := capture(t)

	Step("compile\n")
	Detail("  %d files\n", 3)
	Printf("%s\n", "plain")

	assert.Equal(t, "→ compile\n  3 files\nplain\n", out.String())
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Build failed", "stage manifest failed", nil)
		require.Error(t, err)
		require.Equal(t, "Build failed", err.Error())
		assert.Contains(t, errOut.String(), "stage manifest failed")
	})

	t.Run("numbers multiple suggestions", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Build failed", "no site origin", []string{
			"Set release.site_origin",
			"Add hosting.site to firebase.json",
		})
		require.Equal(t, "Build failed", err.Error())
		assert.Contains(t, errOut.String(), "Either:\n  1. Set release.site_origin\n  2. Add hosting.site to firebase.json\n")
	})

	t.Run("single suggestion is printed as is", func(t *testing.T) {
		_, errOut := capture(t)
		_ = Error("Build failed", "", []string{"Set SIGNING_KEY"})
		assert.Contains(t, errOut.String(), "\nSet SIGNING_KEY\n")
		assert.NotContains(t, errOut.String(), "Either:")
	})
}
