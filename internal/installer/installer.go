// Package installer turns compressed plugin bundles dropped into a staging
// directory into plugin directories under the live plugin root.
package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/HerbHall/plughost/internal/manifest"
	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrSuffixExhausted is returned when every collision suffix up to the
// configured cap is already taken.
var ErrSuffixExhausted = errors.New("no free plugin id")

// Outcome is the terminal state of a Job.
type Outcome string

// Job outcomes.
const (
	OutcomePending   Outcome = "pending"
	OutcomeInstalled Outcome = "installed"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeError     Outcome = "error"
)

// Suffix is the extension appended to a processed archive.
func (o Outcome) Suffix() string {
	switch o {
	case OutcomeInstalled:
		return ".done"
	case OutcomeInvalid:
		return ".invalid"
	case OutcomeError:
		return ".error"
	}
	return ""
}

// Job records one install attempt.
type Job struct {
	ID            string    `json:"id"`
	SourcePath    string    `json:"source_path"`
	StagingDir    string    `json:"staging_dir"`
	Outcome       Outcome   `json:"outcome"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	PluginID      string    `json:"plugin_id,omitempty"`
	InstalledPath string    `json:"installed_path,omitempty"`
	ProcessedPath string    `json:"processed_path,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Config holds installer settings.
type Config struct {
	StagingDir   string
	ProcessedDir string
	PluginDir    string
	MaxSuffix    int   // collision suffixes tried after the bare id
	MaxFileSize  int64 // per extracted file
	MaxTotalSize int64 // all extracted files of one archive
	MaxEntries   int   // entries in one archive
}

// Defaults used when Config fields are zero.
const (
	DefaultMaxSuffix    = 9
	DefaultMaxFileSize  = 64 << 20
	DefaultMaxTotalSize = 256 << 20
	DefaultMaxEntries   = 4096
)

// EntryWriter persists the ConfigDocument entry for a newly installed plugin.
// The entry must end up disabled. configstore.Store satisfies it.
type EntryWriter interface {
	InstallEntry(m *manifest.Manifest) error
}

// Installer processes archives from the staging directory.
type Installer struct {
	cfg      Config
	entries  EntryWriter
	journal  *Journal
	reserved func() []string
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Installer.
type Option func(*Installer)

// WithReservedIDs adds ids an installed package must not take, such as
// built-in plugins or packages the host already knows about. fn is called
// once per archive.
func WithReservedIDs(fn func() []string) Option {
	return func(in *Installer) { in.reserved = fn }
}

// New creates an installer. journal may be nil.
func New(cfg Config, entries EntryWriter, journal *Journal, logger *zap.Logger, opts ...Option) *Installer {
	if cfg.MaxSuffix <= 0 {
		cfg.MaxSuffix = DefaultMaxSuffix
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = DefaultMaxTotalSize
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = filepath.Join(cfg.StagingDir, "processed")
	}
	in := &Installer{
		cfg:     cfg,
		entries: entries,
		journal: journal,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Pending lists the archives currently waiting in the staging directory.
func (in *Installer) Pending() ([]string, error) {
	dirents, err := os.ReadDir(in.cfg.StagingDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read staging dir: %w", err)
	}
	var out []string
	for _, d := range dirents {
		name := d.Name()
		if !d.Type().IsRegular() || strings.HasPrefix(name, ".") || archiveKind(name) == "" {
			continue
		}
		out = append(out, filepath.Join(in.cfg.StagingDir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ScanAndInstall processes every pending archive and returns one job per
// archive. It stops early only when ctx is canceled; archives not reached
// stay in the staging directory.
func (in *Installer) ScanAndInstall(ctx context.Context) ([]*Job, error) {
	archives, err := in.Pending()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(archives))
	for _, path := range archives {
		if err := ctx.Err(); err != nil {
			return jobs, err
		}
		job := in.Install(ctx, path)
		jobs = append(jobs, job)
		if job.Outcome == OutcomePending {
			return jobs, ctx.Err()
		}
	}
	return jobs, nil
}

// Install processes a single archive. The job ends in a terminal outcome and
// the archive is moved out of the staging directory, unless ctx is canceled
// mid-install: the job then stays pending, nothing is placed or journaled,
// and the archive is left in staging for the next scan.
func (in *Installer) Install(ctx context.Context, archivePath string) *Job {
	job := &Job{
		ID:         uuid.New().String(),
		SourcePath: archivePath,
		StagingDir: in.cfg.StagingDir,
		Outcome:    OutcomePending,
		StartedAt:  in.now().UTC(),
	}
	log := in.logger.With(zap.String("job", job.ID), zap.String("archive", filepath.Base(archivePath)))

	if err := in.install(ctx, job); err != nil {
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			log.Info("install interrupted, archive left in staging", zap.Error(err))
			job.ErrorDetail = err.Error()
			job.FinishedAt = in.now().UTC()
			return job
		}
		job.ErrorDetail = err.Error()
		if errors.Is(err, ErrArchiveTraversal) || errors.Is(err, ErrArchiveInvalid) ||
			errors.Is(err, manifest.ErrNoMarker) || errors.Is(err, manifest.ErrMalformedManifest) {
			job.Outcome = OutcomeInvalid
		} else {
			job.Outcome = OutcomeError
		}
	} else {
		job.Outcome = OutcomeInstalled
	}

	processed, err := in.archive(job)
	if err != nil {
		log.Error("failed to move processed archive", zap.Error(err))
	}
	job.ProcessedPath = processed
	job.FinishedAt = in.now().UTC()
	jobsTotal.WithLabelValues(string(job.Outcome)).Inc()

	if in.journal != nil {
		if err := in.journal.Record(ctx, job); err != nil {
			log.Warn("failed to journal install job", zap.Error(err))
		}
	}

	switch job.Outcome {
	case OutcomeInstalled:
		log.Info("plugin installed",
			zap.String("plugin", job.PluginID),
			zap.String("path", job.InstalledPath),
		)
	case OutcomeInvalid:
		log.Warn("archive rejected", zap.String("detail", job.ErrorDetail))
	default:
		log.Error("archive install failed", zap.String("detail", job.ErrorDetail))
	}
	return job
}

func (in *Installer) install(ctx context.Context, job *Job) error {
	if err := os.MkdirAll(in.cfg.PluginDir, 0o755); err != nil {
		return fmt.Errorf("create plugin dir: %w", err)
	}
	// Same filesystem as the destination so the final move is a rename.
	// Discovery ignores dot-prefixed directories.
	tmp, err := os.MkdirTemp(in.cfg.PluginDir, ".install-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			in.logger.Warn("failed to remove temp dir", zap.String("dir", tmp), zap.Error(err))
		}
	}()

	lim := limits{
		maxFileSize:  in.cfg.MaxFileSize,
		maxTotalSize: in.cfg.MaxTotalSize,
		maxEntries:   in.cfg.MaxEntries,
	}
	if err := extract(ctx, job.SourcePath, tmp, lim); err != nil {
		return err
	}

	root, m, err := findPackage(tmp)
	if err != nil {
		return err
	}

	dest, err := in.place(root, m)
	if err != nil {
		return err
	}
	if err := in.entries.InstallEntry(m); err != nil {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			in.logger.Error("failed to roll back installed plugin", zap.String("dir", dest), zap.Error(rmErr))
		}
		return fmt.Errorf("write config entry: %w", err)
	}
	job.PluginID = m.ID
	job.InstalledPath = dest
	return nil
}

// findPackage walks root in lexical order and returns the first directory
// holding a marker file that parses into a valid manifest.
func findPackage(root string) (string, *manifest.Manifest, error) {
	var (
		found    string
		m        *manifest.Manifest
		firstErr error
	)
	errFound := errors.New("found")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), "__MACOSX") {
			return filepath.SkipDir
		}
		if _, ok := manifest.FindMarker(path); !ok {
			return nil
		}
		parsed, perr := manifest.LoadDir(path)
		if perr != nil {
			if firstErr == nil {
				firstErr = perr
			}
			return nil
		}
		found, m = path, parsed
		return errFound
	})
	if err != nil && !errors.Is(err, errFound) {
		return "", nil, fmt.Errorf("walk extracted archive: %w", err)
	}
	if found == "" {
		if firstErr != nil {
			return "", nil, firstErr
		}
		return "", nil, fmt.Errorf("%w: no plugin manifest in archive", manifest.ErrNoMarker)
	}
	return found, m, nil
}

// place moves root into the plugin directory under m.ID, or the first free
// collision name, rewriting the manifest id when a suffix was needed.
func (in *Installer) place(root string, m *manifest.Manifest) (string, error) {
	id, dest, err := in.freeName(m.ID, in.takenIDs())
	if err != nil {
		return "", err
	}
	if err := os.Rename(root, dest); err != nil {
		return "", fmt.Errorf("move plugin into place: %w", err)
	}
	if id != m.ID {
		in.logger.Warn("plugin id already installed, using suffix",
			zap.String("id", m.ID), zap.String("installed_as", id))
		if err := rewriteManifestID(dest, id); err != nil {
			_ = os.RemoveAll(dest)
			return "", fmt.Errorf("rewrite manifest id: %w", err)
		}
		m.ID = id
	}
	m.Dir = dest
	return dest, nil
}

// takenIDs returns the ids held by packages under the plugin directory plus
// the reserved ids. Unreadable packages are skipped.
func (in *Installer) takenIDs() map[string]bool {
	taken := make(map[string]bool)
	if in.reserved != nil {
		for _, id := range in.reserved() {
			taken[id] = true
		}
	}
	dirents, err := os.ReadDir(in.cfg.PluginDir)
	if err != nil {
		return taken
	}
	for _, d := range dirents {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		m, err := manifest.LoadDir(filepath.Join(in.cfg.PluginDir, d.Name()))
		if err != nil {
			continue
		}
		taken[m.ID] = true
	}
	return taken
}

// freeName picks the first candidate id that is neither held by a known
// plugin nor used as a directory name.
func (in *Installer) freeName(id string, taken map[string]bool) (string, string, error) {
	for n := 0; n <= in.cfg.MaxSuffix; n++ {
		name := id
		switch {
		case n == 1:
			name = id + "_new"
		case n > 1:
			name = fmt.Sprintf("%s_new%d", id, n)
		}
		if taken[name] {
			continue
		}
		dest := filepath.Join(in.cfg.PluginDir, name)
		if _, err := os.Lstat(dest); errors.Is(err, fs.ErrNotExist) {
			return name, dest, nil
		} else if err != nil {
			return "", "", fmt.Errorf("check %s: %w", dest, err)
		}
	}
	return "", "", fmt.Errorf("%w: %s and %d suffixed names are taken", ErrSuffixExhausted, id, in.cfg.MaxSuffix)
}

// rewriteManifestID changes the id field of the manifest in dir, keeping the
// rest of the document intact.
func rewriteManifestID(dir, id string) error {
	path, ok := manifest.FindMarker(dir)
	if !ok {
		return manifest.ErrNoMarker
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var out []byte
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		out, err = sjson.SetBytes(data, "id", id)
		if err != nil {
			return err
		}
	} else {
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
			return fmt.Errorf("%w: manifest is not a mapping", manifest.ErrMalformedManifest)
		}
		mapping := doc.Content[0]
		for i := 0; i+1 < len(mapping.Content); i += 2 {
			if mapping.Content[i].Value == "id" {
				mapping.Content[i+1].Value = id
				mapping.Content[i+1].Tag = "!!str"
				mapping.Content[i+1].Style = 0
			}
		}
		if out, err = yaml.Marshal(&doc); err != nil {
			return err
		}
	}
	return os.WriteFile(path, out, 0o644)
}

// archive moves the source archive into the processed directory with the
// job's outcome suffix, adding a timestamp when the name is taken.
func (in *Installer) archive(job *Job) (string, error) {
	if err := os.MkdirAll(in.cfg.ProcessedDir, 0o755); err != nil {
		return "", fmt.Errorf("create processed dir: %w", err)
	}
	base := filepath.Base(job.SourcePath)
	dest := filepath.Join(in.cfg.ProcessedDir, base+job.Outcome.Suffix())
	if _, err := os.Lstat(dest); err == nil {
		stamp := in.now().UTC().Format("20060102T150405.000000000")
		dest = filepath.Join(in.cfg.ProcessedDir, base+"."+stamp+job.Outcome.Suffix())
	}
	if err := os.Rename(job.SourcePath, dest); err != nil {
		// Cross-device staging: fall back to copy and remove.
		if cerr := copyFile(job.SourcePath, dest); cerr != nil {
			return "", fmt.Errorf("move archive: %w", err)
		}
		if rerr := os.Remove(job.SourcePath); rerr != nil {
			return dest, fmt.Errorf("remove archive after copy: %w", rerr)
		}
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
