package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/4o4ko67/discord-ai-bot/aibot"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := aibot.Version
	originalCommitSHA := aibot.CommitSHA
	originalBuildTime := aibot.BuildTime

	t.Cleanup(
		func() {
			aibot.Version = originalVersion
			aibot.CommitSHA = originalCommitSHA
			aibot.BuildTime = originalBuildTime
		},
	)

	aibot.Version = "1.0.0"
	aibot.CommitSHA = "abc123"
	aibot.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		aibot.Version,
		aibot.CommitSHA,
		aibot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
