package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ship-commander/sessiond/internal/harness"
)

func TestRunBugReportCreatesArchiveWithRedactedConfigAndArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	fixture := setupBugreportFixture(t)

	var out bytes.Buffer
	if err := runBugReport(context.Background(), nil, testLogger(), &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}
	output := strings.TrimSpace(out.String())
	if !strings.Contains(output, "Bug report written to:") {
		t.Fatalf("unexpected output: %q", output)
	}

	archivePath := filepath.Join(fixture.cwd, ".sessiond-bugreport-20260211-100000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)

	assertBugreportCoreArtifacts(t, contents)

	logCount := 0
	for name := range contents {
		if strings.HasPrefix(name, "logs/") {
			logCount++
		}
	}
	if logCount != 3 {
		t.Fatalf("log file count = %d, want 3 most recent logs", logCount)
	}
	homeConfig := contents["home-config.toml"]
	if strings.Contains(homeConfig, "supersecret") || strings.Contains(homeConfig, "pass123") {
		t.Fatalf("config should be redacted: %q", homeConfig)
	}
	if !strings.Contains(homeConfig, "***REDACTED***") || !strings.Contains(homeConfig, `model = "opus"`) {
		t.Fatalf("unexpected redacted config: %q", homeConfig)
	}
	if !strings.Contains(contents["project-config.toml"], `listen_addr = "0.0.0.0:8787"`) {
		t.Fatalf("project config missing: %q", contents["project-config.toml"])
	}
	if !strings.Contains(contents["last-run.txt"], "session-123") || !strings.Contains(contents["last-run.txt"], "run-abc") {
		t.Fatalf("missing session/run IDs: %q", contents["last-run.txt"])
	}
	if !strings.Contains(contents["git-state.txt"], "worktree /trees/ENG-1") {
		t.Fatalf("git state missing worktrees: %q", contents["git-state.txt"])
	}
}

func TestRunBugReportHandlesMissingOptionalArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	if err := os.MkdirAll(home, 0o750); err != nil {
		t.Fatalf("create home: %v", err)
	}
	if err := os.MkdirAll(cwd, 0o750); err != nil {
		t.Fatalf("create cwd: %v", err)
	}

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC) }
	bugreportRunCmdFn = func(context.Context, string, ...string) ([]byte, error) { return []byte(""), nil }

	var out bytes.Buffer
	if err := runBugReport(context.Background(), nil, testLogger(), &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}

	archivePath := filepath.Join(cwd, ".sessiond-bugreport-20260211-110000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)
	readme := contents["README.txt"]
	if !strings.Contains(readme, "unable to read logs directory") {
		t.Fatalf("readme should include missing logs warning: %q", readme)
	}
	if !strings.Contains(readme, "no session_id/run_id found") {
		t.Fatalf("readme should include missing correlation warning: %q", readme)
	}
	if !strings.Contains(contents["home-config.toml"], "config unavailable") {
		t.Fatalf("expected config placeholder, got: %q", contents["home-config.toml"])
	}
}

func TestRunBugReportIncludesDoctorAndWorkspaces(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()
	fixture := setupBugreportFixture(t)

	cfg := testConfig(t)
	provider := newFakeProvider()
	stubRuntimeDeps(t, runtimeDeps{capability: &scriptedCapability{}, provider: provider})
	if err := provider.Add(context.Background(), cfg.RepoPath, filepath.Join(cfg.Workspace.BaseDir, "ENG-9"), "sessiond/ENG-9", true); err != nil {
		t.Fatalf("seed working copy: %v", err)
	}
	previousCheck := doctorCheckFn
	t.Cleanup(func() { doctorCheckFn = previousCheck })
	doctorCheckFn = func(binary string) (harness.Availability, []string, error) {
		return harness.Availability{Git: true, Agent: true, AgentBinary: binary, AgentPath: "/opt/" + binary}, nil, nil
	}

	var out bytes.Buffer
	if err := runBugReport(context.Background(), cfg, testLogger(), &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}

	contents := extractTarballTextFiles(t, filepath.Join(fixture.cwd, ".sessiond-bugreport-20260211-100000.tar.gz"))
	if !strings.Contains(contents["doctor.txt"], "claude: ok (/opt/claude)") {
		t.Fatalf("doctor.txt = %q", contents["doctor.txt"])
	}
	if !strings.Contains(contents["doctor.txt"], "workspaces: 1 under") {
		t.Fatalf("doctor.txt missing workspace count: %q", contents["doctor.txt"])
	}
	if !strings.Contains(contents["workspaces.txt"], "sessiond/ENG-9") {
		t.Fatalf("workspaces.txt = %q", contents["workspaces.txt"])
	}
}

func snapshotBugreportHooks() func() {
	prevNow := bugreportNowFn
	prevHomeDir := bugreportHomeDirFn
	prevGetwd := bugreportGetwdFn
	prevRunCmd := bugreportRunCmdFn
	return func() {
		bugreportNowFn = prevNow
		bugreportHomeDirFn = prevHomeDir
		bugreportGetwdFn = prevGetwd
		bugreportRunCmdFn = prevRunCmd
	}
}

func extractTarballTextFiles(t *testing.T, archivePath string) map[string]string {
	t.Helper()

	// #nosec G304 -- archivePath is generated in the test-owned temp directory.
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer func() {
		if closeErr := archiveFile.Close(); closeErr != nil {
			t.Fatalf("close archive file: %v", closeErr)
		}
	}()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		t.Fatalf("create gzip reader: %v", err)
	}
	defer func() {
		if closeErr := gzipReader.Close(); closeErr != nil {
			t.Fatalf("close gzip reader: %v", closeErr)
		}
	}()

	tarReader := tar.NewReader(gzipReader)
	files := make(map[string]string)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar entry: %v", err)
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			t.Fatalf("read tar entry %s: %v", header.Name, err)
		}
		files[header.Name] = string(data)
	}
	if len(files) == 0 {
		t.Fatalf("archive %s is empty", archivePath)
	}
	return files
}

type bugreportFixture struct {
	home string
	cwd  string
}

func setupBugreportFixture(t *testing.T) bugreportFixture {
	t.Helper()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	if err := os.MkdirAll(filepath.Join(home, ".sessiond", "logs"), 0o750); err != nil {
		t.Fatalf("create logs dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(cwd, ".sessiond"), 0o750); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	baseTime := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	writeBugreportLog(t, home, "log-1.log", `{"msg":"older"}`, baseTime.Add(-4*time.Minute))
	writeBugreportLog(t, home, "log-2.log", `{"msg":"middle"}`, baseTime.Add(-3*time.Minute))
	writeBugreportLog(
		t,
		home,
		"log-3.log",
		`{"msg":"newer","session_id":"session-123","run_id":"run-abc"}`,
		baseTime.Add(-2*time.Minute),
	)
	writeBugreportLog(t, home, "log-4.log", `{"msg":"newest"}`, baseTime.Add(-1*time.Minute))

	configText := "[agent]\nmodel = \"opus\"\n\n[agent.env]\nAPI_KEY = \"supersecret\"\nDB_PASSWORD=\"pass123\"\n"
	if err := os.WriteFile(filepath.Join(home, ".sessiond", "config.toml"), []byte(configText), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	projectConfig := "listen_addr = \"0.0.0.0:8787\"\n"
	if err := os.WriteFile(filepath.Join(cwd, ".sessiond", "config.toml"), []byte(projectConfig), 0o600); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC) }
	bugreportRunCmdFn = stubBugreportGitCommands

	return bugreportFixture{home: home, cwd: cwd}
}

func writeBugreportLog(t *testing.T, home, name, content string, modTime time.Time) {
	t.Helper()

	path := filepath.Join(home, ".sessiond", "logs", name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write log %s: %v", name, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func stubBugreportGitCommands(_ context.Context, name string, args ...string) ([]byte, error) {
	joined := name + " " + strings.Join(args, " ")
	switch {
	case strings.Contains(joined, "rev-parse HEAD"):
		return []byte("deadbeef\n"), nil
	case strings.Contains(joined, "rev-parse --abbrev-ref HEAD"):
		return []byte("main\n"), nil
	case strings.Contains(joined, "status --short"):
		return []byte(" M internal/session/coordinator.go\n"), nil
	case strings.Contains(joined, "worktree list --porcelain"):
		return []byte("worktree /trees/ENG-1\nbranch refs/heads/sessiond/ENG-1\n"), nil
	default:
		return []byte(""), nil
	}
}

func assertBugreportCoreArtifacts(t *testing.T, contents map[string]string) {
	t.Helper()

	required := []string{
		"README.txt",
		"home-config.toml",
		"project-config.toml",
		"version.txt",
		"last-run.txt",
		"git-state.txt",
	}
	for _, path := range required {
		if _, ok := contents[path]; !ok {
			t.Fatalf("missing artifact %q in bugreport archive", path)
		}
	}
}

func TestRedactSensitiveConfig(t *testing.T) {
	input := "[tracker]\ntoken_env = \"TRACKER_TOKEN\"\n\n[agent.integrations.docs.headers]\n\"Authorization\" = \"Bearer abc\"\nnormal = \"value\"\n# password = \"comment\"\n"
	got := redactSensitiveConfig(input)
	if strings.Contains(got, "TRACKER_TOKEN") || strings.Contains(got, "Bearer abc") {
		t.Fatalf("expected sensitive values to be redacted: %q", got)
	}
	if strings.Count(got, "***REDACTED***") != 2 {
		t.Fatalf("expected two redactions, got %q", got)
	}
	if !strings.Contains(got, "[agent.integrations.docs.headers]") || !strings.Contains(got, `normal = "value"`) {
		t.Fatalf("non-sensitive lines should be preserved: %q", got)
	}
}

func TestNewestFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("log-%d.log", i))
		if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatalf("write file %d: %v", i, err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("set modtime %d: %v", i, err)
		}
	}

	files, err := newestFiles(dir, 2)
	if err != nil {
		t.Fatalf("newestFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("file count = %d, want 2", len(files))
	}
	if !strings.HasSuffix(files[0].path, "log-4.log") {
		t.Fatalf("first file = %s, want log-4.log", files[0].path)
	}
	if !strings.HasSuffix(files[1].path, "log-3.log") {
		t.Fatalf("second file = %s, want log-3.log", files[1].path)
	}
}
