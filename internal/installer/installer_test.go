package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HerbHall/plughost/internal/configstore"
	"github.com/HerbHall/plughost/internal/manifest"
	"github.com/HerbHall/plughost/internal/store"
	"github.com/HerbHall/plughost/internal/testutil"
	"go.uber.org/zap"
)

type env struct {
	root    string
	staging string
	plugins string
	conf    *configstore.Store
	inst    *Installer
}

func newEnv(t *testing.T, mutate ...func(*Config)) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		root:    root,
		staging: filepath.Join(root, "staging"),
		plugins: filepath.Join(root, "plugins"),
	}
	e.conf = configstore.Open(filepath.Join(root, "plugins_conf.json"), zap.NewNop())
	cfg := Config{
		StagingDir:   e.staging,
		ProcessedDir: filepath.Join(root, "processed"),
		PluginDir:    e.plugins,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e.inst = New(cfg, e.conf, nil, zap.NewNop())
	return e
}

func helloFiles(dir string) []testutil.File {
	return []testutil.File{
		{Name: dir + "/", Dir: true},
		{Name: dir + "/plugin.json", Body: string(testutil.ManifestJSON("hello",
			testutil.WithSchema(`{"greet":{"type":"boolean","default":true}}`)))},
		{Name: dir + "/bin/hello", Body: "#!/bin/sh\necho hi\n", Mode: 0o755},
	}
}

func assertNoTempDirs(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".install-") {
			t.Errorf("temp dir %s left behind", e.Name())
		}
	}
}

func TestInstall_ValidZip(t *testing.T) {
	e := newEnv(t)
	testutil.WriteZip(t, filepath.Join(e.staging, "hello.zip"), helloFiles("hello-1.0")...)

	jobs, err := e.inst.ScanAndInstall(context.Background())
	if err != nil {
		t.Fatalf("ScanAndInstall() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	job := jobs[0]
	if job.Outcome != OutcomeInstalled {
		t.Fatalf("Outcome = %s (%s)", job.Outcome, job.ErrorDetail)
	}
	if job.PluginID != "hello" || job.InstalledPath != filepath.Join(e.plugins, "hello") {
		t.Errorf("job = %+v", job)
	}
	if _, ok := manifest.FindMarker(job.InstalledPath); !ok {
		t.Error("installed dir has no manifest")
	}
	info, err := os.Stat(filepath.Join(job.InstalledPath, "bin", "hello"))
	if err != nil || info.Mode().Perm()&0o100 == 0 {
		t.Errorf("bin/hello stat = %v, %v", info, err)
	}

	entry, ok := configstore.Open(e.conf.Path(), zap.NewNop()).Entry("hello")
	if !ok {
		t.Fatal("no ConfigDocument entry written")
	}
	if entry.Enabled {
		t.Error("new plugin entry is enabled")
	}
	if entry.Options["greet"] != true {
		t.Errorf("options = %v", entry.Options)
	}

	if job.ProcessedPath != filepath.Join(e.root, "processed", "hello.zip.done") {
		t.Errorf("ProcessedPath = %s", job.ProcessedPath)
	}
	if _, err := os.Stat(filepath.Join(e.staging, "hello.zip")); !os.IsNotExist(err) {
		t.Error("archive still in staging")
	}
	assertNoTempDirs(t, e.plugins)
}

func TestInstall_ValidTarGz(t *testing.T) {
	e := newEnv(t)
	testutil.WriteTarGz(t, filepath.Join(e.staging, "hello.tgz"), helloFiles("pkg")...)

	job := e.inst.Install(context.Background(), filepath.Join(e.staging, "hello.tgz"))
	if job.Outcome != OutcomeInstalled {
		t.Fatalf("Outcome = %s (%s)", job.Outcome, job.ErrorDetail)
	}
	if !strings.HasSuffix(job.ProcessedPath, "hello.tgz.done") {
		t.Errorf("ProcessedPath = %s", job.ProcessedPath)
	}
}

func TestInstall_Traversal(t *testing.T) {
	writers := map[string]func(testing.TB, string, ...testutil.File) string{
		"evil.zip":    testutil.WriteZip,
		"evil.tar.gz": testutil.WriteTarGz,
	}
	for name, write := range writers {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			files := append(helloFiles("hello"), testutil.File{Name: "../../etc/passwd", Body: "root::0:0"})
			write(t, filepath.Join(e.staging, name), files...)

			jobs, _ := e.inst.ScanAndInstall(context.Background())
			job := jobs[0]
			if job.Outcome != OutcomeInvalid {
				t.Fatalf("Outcome = %s, want invalid", job.Outcome)
			}
			if !strings.Contains(job.ErrorDetail, ErrArchiveTraversal.Error()) {
				t.Errorf("ErrorDetail = %q", job.ErrorDetail)
			}
			if _, err := os.Stat(filepath.Join(e.root, "etc", "passwd")); !os.IsNotExist(err) {
				t.Error("entry written outside extraction root")
			}
			if _, err := os.Stat(filepath.Join(e.plugins, "hello")); !os.IsNotExist(err) {
				t.Error("plugin installed from hostile archive")
			}
			if !strings.HasSuffix(job.ProcessedPath, ".invalid") {
				t.Errorf("ProcessedPath = %s", job.ProcessedPath)
			}
			if _, ok := e.conf.Entry("hello"); ok {
				t.Error("config entry written for rejected archive")
			}
			assertNoTempDirs(t, e.plugins)
		})
	}
}

func TestInstall_AbsolutePath(t *testing.T) {
	e := newEnv(t)
	testutil.WriteTarGz(t, filepath.Join(e.staging, "abs.tgz"), testutil.File{Name: "/tmp/x", Body: "x"})
	job := e.inst.Install(context.Background(), filepath.Join(e.staging, "abs.tgz"))
	if job.Outcome != OutcomeInvalid {
		t.Errorf("Outcome = %s", job.Outcome)
	}
}

func TestInstall_NoMarker(t *testing.T) {
	e := newEnv(t)
	testutil.WriteZip(t, filepath.Join(e.staging, "empty.zip"), testutil.File{Name: "readme.txt", Body: "hi"})
	job := e.inst.Install(context.Background(), filepath.Join(e.staging, "empty.zip"))
	if job.Outcome != OutcomeInvalid {
		t.Fatalf("Outcome = %s", job.Outcome)
	}
	if !strings.HasSuffix(job.ProcessedPath, "empty.zip.invalid") {
		t.Errorf("ProcessedPath = %s", job.ProcessedPath)
	}
	assertNoTempDirs(t, e.plugins)
}

func TestInstall_MalformedManifestSkipped(t *testing.T) {
	e := newEnv(t)
	testutil.WriteZip(t, filepath.Join(e.staging, "two.zip"),
		testutil.File{Name: "a/plugin.json", Body: `{"id": "bad id"}`},
		testutil.File{Name: "b/plugin.json", Body: string(testutil.ManifestJSON("good"))},
	)
	job := e.inst.Install(context.Background(), filepath.Join(e.staging, "two.zip"))
	if job.Outcome != OutcomeInstalled || job.PluginID != "good" {
		t.Fatalf("job = %+v", job)
	}
}

func TestInstall_CorruptArchive(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.staging, "junk.zip")
	os.MkdirAll(e.staging, 0o755)
	if err := os.WriteFile(path, []byte("definitely not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	job := e.inst.Install(context.Background(), path)
	if job.Outcome != OutcomeInvalid {
		t.Errorf("Outcome = %s (%s)", job.Outcome, job.ErrorDetail)
	}
}

func TestInstall_FileSizeCap(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.MaxFileSize = 1024 })
	files := append(helloFiles("hello"), testutil.File{Name: "hello/big.bin", Body: strings.Repeat("x", 4096)})
	testutil.WriteZip(t, filepath.Join(e.staging, "big.zip"), files...)
	job := e.inst.Install(context.Background(), filepath.Join(e.staging, "big.zip"))
	if job.Outcome != OutcomeInvalid {
		t.Errorf("Outcome = %s (%s)", job.Outcome, job.ErrorDetail)
	}
}

func TestInstall_CollisionSuffixes(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.MaxSuffix = 2 })
	ctx := context.Background()

	var got []string
	for i := 0; i < 3; i++ {
		path := testutil.WriteZip(t, filepath.Join(e.staging, "hello.zip"), helloFiles("hello")...)
		job := e.inst.Install(ctx, path)
		if job.Outcome != OutcomeInstalled {
			t.Fatalf("install %d: %s (%s)", i, job.Outcome, job.ErrorDetail)
		}
		got = append(got, job.PluginID)
	}
	want := []string{"hello", "hello_new", "hello_new2"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("install %d id = %s, want %s", i, got[i], want[i])
		}
	}
	m, err := manifest.LoadDir(filepath.Join(e.plugins, "hello_new2"))
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "hello_new2" {
		t.Errorf("rewritten manifest id = %s", m.ID)
	}
	if _, ok := e.conf.Entry("hello_new"); !ok {
		t.Error("no config entry for suffixed id")
	}

	path := testutil.WriteZip(t, filepath.Join(e.staging, "hello.zip"), helloFiles("hello")...)
	job := e.inst.Install(ctx, path)
	if job.Outcome != OutcomeError || !strings.Contains(job.ErrorDetail, ErrSuffixExhausted.Error()) {
		t.Errorf("exhausted job = %s (%s)", job.Outcome, job.ErrorDetail)
	}
	// Same archive name processed four times: later ones get a timestamp infix.
	entries, _ := os.ReadDir(filepath.Join(e.root, "processed"))
	if len(entries) != 4 {
		t.Errorf("processed entries = %d, want 4", len(entries))
	}
}

func TestInstall_YAMLCollisionRewrite(t *testing.T) {
	e := newEnv(t)
	os.MkdirAll(filepath.Join(e.plugins, "yam"), 0o755)
	path := testutil.WriteTarGz(t, filepath.Join(e.staging, "yam.tar.gz"),
		testutil.File{Name: "yam/plugin.yaml", Body: "# keep me\nid: yam\npriority: 5\n"},
	)
	job := e.inst.Install(context.Background(), path)
	if job.Outcome != OutcomeInstalled {
		t.Fatalf("Outcome = %s (%s)", job.Outcome, job.ErrorDetail)
	}
	data, err := os.ReadFile(filepath.Join(e.plugins, "yam_new", "plugin.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "id: yam_new") || !strings.Contains(string(data), "priority: 5") {
		t.Errorf("rewritten manifest = %q", data)
	}
}

func TestInstall_ExistingEntryIsDisabled(t *testing.T) {
	e := newEnv(t)
	confPath := filepath.Join(e.root, "plugins_conf.json")
	if err := os.WriteFile(confPath, []byte(`{"hello":{"enabled":true,"options":{}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	e.conf.Reload()
	path := testutil.WriteZip(t, filepath.Join(e.staging, "hello.zip"), helloFiles("hello")...)

	job := e.inst.Install(context.Background(), path)
	if job.Outcome != OutcomeInstalled {
		t.Fatalf("Outcome = %s (%s)", job.Outcome, job.ErrorDetail)
	}
	if e.conf.Enabled("hello") {
		t.Error("installed plugin is enabled")
	}
	if entry, _ := configstore.Open(confPath, zap.NewNop()).Entry("hello"); entry.Enabled {
		t.Error("installed plugin persisted as enabled")
	}
}

func TestInstall_IDCollisionAcrossDirectories(t *testing.T) {
	e := newEnv(t)
	testutil.WritePackage(t, e.plugins, "zz_hello_pkg", testutil.ManifestJSON("hello"))
	path := testutil.WriteZip(t, filepath.Join(e.staging, "hello.zip"), helloFiles("hello")...)

	job := e.inst.Install(context.Background(), path)
	if job.Outcome != OutcomeInstalled {
		t.Fatalf("Outcome = %s (%s)", job.Outcome, job.ErrorDetail)
	}
	if job.PluginID != "hello_new" || job.InstalledPath != filepath.Join(e.plugins, "hello_new") {
		t.Errorf("installed as %s at %s, want hello_new", job.PluginID, job.InstalledPath)
	}
	m, err := manifest.LoadDir(job.InstalledPath)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "hello_new" {
		t.Errorf("manifest id = %s, want hello_new", m.ID)
	}
}

func TestInstall_ReservedIDs(t *testing.T) {
	e := newEnv(t)
	e.inst.reserved = func() []string { return []string{"hello", "hello_new"} }
	path := testutil.WriteZip(t, filepath.Join(e.staging, "hello.zip"), helloFiles("hello")...)

	job := e.inst.Install(context.Background(), path)
	if job.Outcome != OutcomeInstalled {
		t.Fatalf("Outcome = %s (%s)", job.Outcome, job.ErrorDetail)
	}
	if job.PluginID != "hello_new2" {
		t.Errorf("PluginID = %s, want hello_new2", job.PluginID)
	}
}

func TestInstall_CanceledLeavesArchiveStaged(t *testing.T) {
	e := newEnv(t)
	path := testutil.WriteZip(t, filepath.Join(e.staging, "hello.zip"), helloFiles("hello")...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := e.inst.Install(ctx, path)
	if job.Outcome != OutcomePending {
		t.Fatalf("Outcome = %s, want pending", job.Outcome)
	}
	if job.ProcessedPath != "" {
		t.Errorf("ProcessedPath = %s, want empty", job.ProcessedPath)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("archive left staging: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.plugins, "hello")); !os.IsNotExist(err) {
		t.Error("plugin placed despite cancellation")
	}
	assertNoTempDirs(t, e.plugins)

	// The next uncanceled pass installs it.
	jobs, err := e.inst.ScanAndInstall(context.Background())
	if err != nil || len(jobs) != 1 || jobs[0].Outcome != OutcomeInstalled {
		t.Fatalf("rescan = %v, %v", jobs, err)
	}
}

func TestInstall_AggregateLimits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		extra  []testutil.File
	}{
		{
			name:   "total size",
			mutate: func(c *Config) { c.MaxFileSize = 1024; c.MaxTotalSize = 2048 },
			extra: []testutil.File{
				{Name: "hello/a.bin", Body: strings.Repeat("a", 1000)},
				{Name: "hello/b.bin", Body: strings.Repeat("b", 1000)},
				{Name: "hello/c.bin", Body: strings.Repeat("c", 1000)},
			},
		},
		{
			name:   "entry count",
			mutate: func(c *Config) { c.MaxEntries = 4 },
			extra: []testutil.File{
				{Name: "hello/1.txt"}, {Name: "hello/2.txt"}, {Name: "hello/3.txt"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.mutate)
			path := testutil.WriteZip(t, filepath.Join(e.staging, "hello.zip"), append(helloFiles("hello"), tt.extra...)...)
			job := e.inst.Install(context.Background(), path)
			if job.Outcome != OutcomeInvalid {
				t.Errorf("Outcome = %s (%s), want invalid", job.Outcome, job.ErrorDetail)
			}
			if _, err := os.Stat(filepath.Join(e.plugins, "hello")); !os.IsNotExist(err) {
				t.Error("plugin installed past the limit")
			}
			assertNoTempDirs(t, e.plugins)
		})
	}

	tgz := newEnv(t, func(c *Config) { c.MaxEntries = 3 })
	path := testutil.WriteTarGz(t, filepath.Join(tgz.staging, "hello.tgz"), append(helloFiles("hello"), testutil.File{Name: "hello/x.txt"})...)
	if job := tgz.inst.Install(context.Background(), path); job.Outcome != OutcomeInvalid {
		t.Errorf("tar.gz Outcome = %s (%s), want invalid", job.Outcome, job.ErrorDetail)
	}
}

type failingEntries struct{}

func (failingEntries) InstallEntry(*manifest.Manifest) error {
	return errors.New("disk full")
}

func TestInstall_ConfigWriteFailureRollsBack(t *testing.T) {
	root := t.TempDir()
	cfg := Config{
		StagingDir: filepath.Join(root, "staging"),
		PluginDir:  filepath.Join(root, "plugins"),
	}
	inst := New(cfg, failingEntries{}, nil, zap.NewNop())
	path := testutil.WriteZip(t, filepath.Join(cfg.StagingDir, "hello.zip"), helloFiles("hello")...)

	job := inst.Install(context.Background(), path)
	if job.Outcome != OutcomeError || !strings.Contains(job.ErrorDetail, "disk full") {
		t.Fatalf("job = %s (%s)", job.Outcome, job.ErrorDetail)
	}
	if _, err := os.Stat(filepath.Join(cfg.PluginDir, "hello")); !os.IsNotExist(err) {
		t.Error("plugin dir not rolled back")
	}
	if !strings.HasSuffix(job.ProcessedPath, filepath.Join("processed", "hello.zip.error")) {
		t.Errorf("ProcessedPath = %s", job.ProcessedPath)
	}
}

func TestPending_IgnoresOtherFiles(t *testing.T) {
	e := newEnv(t)
	os.MkdirAll(filepath.Join(e.staging, "sub.zip"), 0o755)
	for _, name := range []string{"notes.txt", ".hidden.zip", "b.tgz", "a.ZIP"} {
		os.WriteFile(filepath.Join(e.staging, name), nil, 0o644)
	}
	got, err := e.inst.Pending()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(e.staging, "a.ZIP"), filepath.Join(e.staging, "b.tgz")}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Pending() = %v, want %v", got, want)
	}
}

func TestJournal(t *testing.T) {
	db, err := store.New(filepath.Join(t.TempDir(), "plughost.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	journal, err := NewJournal(ctx, db)
	if err != nil {
		t.Fatalf("NewJournal() error = %v", err)
	}

	e := newEnv(t)
	e.inst.journal = journal
	testutil.WriteZip(t, filepath.Join(e.staging, "a.zip"), helloFiles("hello")...)
	testutil.WriteZip(t, filepath.Join(e.staging, "b.zip"), testutil.File{Name: "x.txt"})
	if _, err := e.inst.ScanAndInstall(ctx); err != nil {
		t.Fatal(err)
	}

	jobs, err := journal.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	outcomes := map[Outcome]bool{}
	for _, j := range jobs {
		outcomes[j.Outcome] = true
		if j.FinishedAt.IsZero() || j.ID == "" {
			t.Errorf("incomplete job %+v", j)
		}
	}
	if !outcomes[OutcomeInstalled] || !outcomes[OutcomeInvalid] {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestEntryPath(t *testing.T) {
	dest := t.TempDir()
	bad := []string{"../x", "a/../../x", "/etc/passwd", `..\x`, ".."}
	for _, name := range bad {
		if _, err := entryPath(name, dest); !errors.Is(err, ErrArchiveTraversal) {
			t.Errorf("entryPath(%q) error = %v, want traversal", name, err)
		}
	}
	good := []string{"a/b", "./a", "a/../b", "a/"}
	for _, name := range good {
		if _, err := entryPath(name, dest); err != nil {
			t.Errorf("entryPath(%q) error = %v", name, err)
		}
	}
}
