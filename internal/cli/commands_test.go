package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/punchsync/internal/punch"
)

// cliFixture runs commands against a scratch database.
type cliFixture struct {
	t    *testing.T
	dir  string
	base []string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	dir := t.TempDir()
	return &cliFixture{
		t:   t,
		dir: dir,
		base: []string{
			"--db", filepath.Join(dir, "punchsync.db"),
			"--env-file", filepath.Join(dir, "missing.env"),
		},
	}
}

// run executes the root command and returns stdout.
func (f *cliFixture) run(args ...string) (string, error) {
	f.t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(append([]string{}, f.base...), args...))
	err := cmd.Execute()
	return out.String(), err
}

func (f *cliFixture) mustRun(args ...string) string {
	f.t.Helper()
	out, err := f.run(args...)
	require.NoError(f.t, err, "punchsync %s\n%s", strings.Join(args, " "), out)
	return out
}

// runJSON executes a command with --format json and decodes the data field.
func (f *cliFixture) runJSON(v any, args ...string) {
	f.t.Helper()
	out := f.mustRun(append([]string{"--format", "json"}, args...)...)
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(f.t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(f.t, "ok", resp.Status)
	require.NoError(f.t, json.Unmarshal(resp.Data, v))
}

func (f *cliFixture) writeFile(name, content string) string {
	f.t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *cliFixture) seed() punch.Device {
	f.t.Helper()
	f.mustRun("org", "set", "acme", "--name", "Acme", "--timezone", "Africa/Nairobi")
	f.mustRun("employee", "set", "e1", "--org", "acme", "--code", "EMP-1", "--name", "Ada")
	f.mustRun("employee", "set", "e2", "--org", "acme", "--code", "EMP-2", "--name", "Grace")

	var dev punch.Device
	f.runJSON(&dev, "device", "register", "--org", "acme", "--id", "D1", "--name", "Front door")
	return dev
}

func TestDirectoryCommands(t *testing.T) {
	f := newCLIFixture(t)
	f.seed()

	out := f.mustRun("org", "list")
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "Africa/Nairobi")

	var emps []punch.Employee
	f.runJSON(&emps, "employee", "list", "--org", "acme")
	require.Len(t, emps, 2)
	assert.Equal(t, "EMP-1", emps[0].Code)
	assert.True(t, emps[0].Active)

	_, err := f.run("org", "set", "bad", "--timezone", "Mars/Olympus")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = f.run("employee", "set", "e9", "--org", "acme")
	require.Error(t, err, "code is required")
}

func TestDeviceLifecycle(t *testing.T) {
	f := newCLIFixture(t)
	dev := f.seed()

	assert.Equal(t, "D1", dev.ID)
	assert.Equal(t, punch.ModePush, dev.Mode)
	assert.NotEmpty(t, dev.APIKey, "register prints the API key")
	assert.Equal(t, punch.DefaultBrand, dev.Brand)

	out := f.mustRun("device", "list", "--org", "acme")
	assert.Contains(t, out, "Front door")
	assert.Contains(t, out, "never")

	var rotated punch.Device
	f.runJSON(&rotated, "device", "update", "D1", "--rotate-key", "--name", "Main door")
	assert.Equal(t, "Main door", rotated.Name)
	assert.NotEqual(t, dev.APIKey, rotated.APIKey)

	f.mustRun("device", "update", "D1", "--active=false")
	out = f.mustRun("device", "list")
	assert.Contains(t, out, "no (admin)")

	_, err := f.run("device", "update", "D1", "--mode", "carrier-pigeon")
	require.Error(t, err)

	_, err = f.run("device", "register", "--org", "acme", "--mode", "fax")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = f.run("device", "register", "--org", "nobody")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out = f.mustRun("device", "delete", "D1")
	assert.Contains(t, out, "D1 deleted")

	var list []punch.Device
	f.runJSON(&list, "device", "list")
	assert.Empty(t, list)
}

const exportLog = `{"user_id": 7, "timestamp": "2025-03-01 08:00:00", "punch": 0}
{"device_user_id": "7", "timestamp": "2025-03-01 17:00:00", "event_type": "checkout"}
`

func TestIngestResolveAndAmend(t *testing.T) {
	f := newCLIFixture(t)
	f.seed()
	path := f.writeFile("export.jsonl", exportLog)

	var summary IngestSummary
	f.runJSON(&summary, "ingest", path, "--device", "D1")
	assert.Equal(t, 2, summary.Lines)
	assert.Equal(t, 2, summary.Accepted)
	assert.Equal(t, 0, summary.Processed, "user 7 is not mapped yet")

	// Replaying the same export only finds duplicates.
	out := f.mustRun("ingest", path, "--device", "D1")
	assert.Contains(t, out, "0 accepted, 2 duplicate")

	var records []punch.AttendanceRecord
	f.runJSON(&records, "attendance", "list", "--org", "acme")
	assert.Empty(t, records)

	out = f.mustRun("mapping", "set", "--org", "acme", "--employee", "e1", "--device", "D1", "--device-user", "7")
	assert.Contains(t, out, "D1/7 -> e1")
	assert.Contains(t, out, "Resolved 2 pending punch(es)")

	out = f.mustRun("mapping", "list", "--org", "acme")
	assert.Contains(t, out, "D1/7")

	f.runJSON(&records, "attendance", "list", "--org", "acme", "--from", "2025-03-01", "--to", "2025-03-01")
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "e1", rec.EmployeeID)
	assert.Equal(t, "2025-03-01", rec.Date)
	require.NotNil(t, rec.ClockIn)
	require.NotNil(t, rec.ClockOut)
	// Naive timestamps are read in the organization zone (UTC+3).
	assert.Equal(t, "2025-03-01T05:00:00Z", rec.ClockIn.UTC().Format("2006-01-02T15:04:05Z"))
	assert.Equal(t, "2025-03-01T14:00:00Z", rec.ClockOut.UTC().Format("2006-01-02T15:04:05Z"))
	assert.InDelta(t, 9.0, rec.TotalHours, 0.001)

	var amended punch.AttendanceRecord
	f.runJSON(&amended, "attendance", "edit", "e1", "2025-03-01", "--break", "60", "--notes", "lunch")
	assert.Equal(t, 60, amended.BreakMinutes)
	assert.InDelta(t, 8.0, amended.TotalHours, 0.001)
	assert.Equal(t, "lunch", amended.Notes)

	_, err := f.run("attendance", "edit", "e1", "2025-03-01")
	require.Error(t, err, "an edit without changes is refused")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = f.run("attendance", "edit", "e1", "01/03/2025", "--break", "10")
	require.Error(t, err)

	_, err = f.run("attendance", "list", "--from", "yesterday")
	require.Error(t, err)
}

func TestIngestRejectsBadLines(t *testing.T) {
	f := newCLIFixture(t)
	f.seed()
	path := f.writeFile("mixed.jsonl", exportLog+"not json\n\n{\"user_id\": 7}\n")

	out, err := f.run("ingest", path, "--device", "D1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeReplayRejected)
	assert.Contains(t, out, "2 accepted")
	assert.Contains(t, out, "2 rejected")
	assert.Contains(t, out, "line 3:")
	assert.Contains(t, out, "line 5:")

	_, err = f.run("ingest", path, "--device", "D404")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = f.run("ingest", filepath.Join(f.dir, "absent.jsonl"), "--device", "D1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestResolveCommand(t *testing.T) {
	f := newCLIFixture(t)
	f.seed()

	// EMP-2 falls back to the employee code.
	path := f.writeFile("codes.jsonl", `{"user_id": "EMP-2", "timestamp": "2025-03-01T09:15:00+03:00", "punch": 0}`+"\n")
	var summary IngestSummary
	f.runJSON(&summary, "ingest", path, "--device", "D1")
	assert.Equal(t, 1, summary.Processed)

	out := f.mustRun("resolve", "--org", "acme")
	assert.Contains(t, out, "Resolved 0 punch(es) for acme")

	_, err := f.run("resolve", "--org", "nobody")
	require.Error(t, err)
}

func TestPollUnknownDevice(t *testing.T) {
	f := newCLIFixture(t)
	f.seed()

	out, err := f.run("--format", "json", "poll", "D404")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeDeviceUnreachable)
}
