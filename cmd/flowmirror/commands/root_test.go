package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/flowmirror/internal/discovery"
	dockerpkg "github.com/dyluth/flowmirror/internal/docker"
	"github.com/dyluth/flowmirror/pkg/remote"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	if args == nil {
		args = []string{} // nil would fall back to os.Args
	}
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs([]string{}) })

	err := rootCmd.Execute()
	return buf.String(), err
}

// TestRootCommand_ShowsHelpWhenNoSubcommand tests that the root command
// shows help instead of silently succeeding when invoked without a subcommand
func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	output, err := execute(t)
	require.NoError(t, err)
	assert.Contains(t, output, "Usage:")
	assert.Contains(t, output, "flowmirror")
	for _, sub := range []string{"serve", "scan", "labels"} {
		assert.Contains(t, output, sub)
	}
}

// TestRootCommand_RejectsSubcommandFlags tests that flags meant for
// subcommands are rejected when passed to the root command
func TestRootCommand_RejectsSubcommandFlags(t *testing.T) {
	_, err := execute(t, "--watch", "me/a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag: --watch")
}

func TestSetVersionInfo(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "today")
	assert.Equal(t, "1.2.3 (commit: abc, built: today)", rootCmd.Version)
}

type staticHistory map[string]bool

func (h staticHistory) HasRunHistory(_ context.Context, id string) bool { return h[id] }

func scanRecords() []discovery.Record {
	return []discovery.Record{
		{Owner: "me", Name: "old"},
		{Owner: "me", Name: "live", Contact: &remote.Contact{
			Owner: "me", Name: "live", Host: "localhost", Port: 6379, PublishPort: 6379,
			InstanceUUID: "0b0f4c8e-1111-2222-3333-444455556666", APIVersion: 5,
		}},
		{Owner: "me", Name: "legacy", Contact: &remote.Contact{
			Owner: "me", Name: "legacy", Host: "localhost", Port: 6380, PublishPort: 6380, APIVersion: 4,
		}},
	}
}

func TestBuildRows(t *testing.T) {
	rows := buildRows(context.Background(), scanRecords(), 5, staticHistory{"me/old": true})
	require.Len(t, rows, 3)

	assert.Equal(t, sourceRow{ID: "me/old", State: "inactive", History: true}, rows[0])
	assert.Equal(t, "active", rows[1].State)
	assert.Equal(t, 6379, rows[1].Port)
	assert.Equal(t, "inactive", rows[2].State, "API version mismatch")
}

func TestOutputTable(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	outputTable(&buf, buildRows(context.Background(), scanRecords(), 5, staticHistory{}))
	out := buf.String()

	assert.Contains(t, out, "SOURCE")
	assert.Contains(t, out, "me/live")
	assert.Contains(t, out, "localhost:6379")
	assert.Contains(t, out, "0b0f4c8e")
	assert.Contains(t, out, "3 sources found")

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		outputTable(&buf, nil)
		assert.Equal(t, "No workflow sources found.\n", buf.String())
	})
}

func TestOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, outputJSON(&buf, buildRows(context.Background(), scanRecords(), 0, staticHistory{})))

	var rows []sourceRow
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "active", rows[2].State, "api 0 accepts any version")
}

func TestWriteLabels(t *testing.T) {
	var buf bytes.Buffer
	err := writeLabels(&buf, dockerpkg.Labels{}, dockerpkg.SourceSpec{
		Owner: "me", Name: "flow", Port: 6379, RunID: "0b0f4c8e-1111-2222-3333-444455556666",
	})
	require.NoError(t, err)

	out := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(out, "--label flowmirror.source=true"), out)
	assert.Contains(t, out, "--label flowmirror.source.name=flow")
	assert.Contains(t, out, "--label flowmirror.source.publish_port=6379")

	t.Run("missing owner", func(t *testing.T) {
		var buf bytes.Buffer
		err := writeLabels(&buf, dockerpkg.Labels{}, dockerpkg.SourceSpec{Name: "flow", Port: 1})
		assert.EqualError(t, err, "invalid source")
		assert.Empty(t, buf.String())
	})
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "today")
	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "flowmirror 1.2.3 (commit: abc, built: today)\n", output)
}
