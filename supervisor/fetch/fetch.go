package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Format describes how a downloaded resource is turned into a managed artifact.
type Format string

const (
	// FormatAuto infers the format from the URL suffix.
	FormatAuto       Format = ""
	FormatExecutable Format = "executable"
	FormatZip        Format = "zip"
	FormatTarGz      Format = "tar.gz"
)

// Artifact is an external executable (or directory of executables) managed on local disk.
type Artifact struct {
	Name string
	// Path is the canonical location of the artifact. Its presence is the only thing checked.
	Path string
	URL  string

	Format Format
	// Prefix selects the top-level archive entry to install. Versioned archive names vary, so this is a prefix match.
	Prefix string
}

func (a Artifact) format() Format {
	if a.Format != FormatAuto {
		return a.Format
	}
	u := strings.ToLower(a.URL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	switch {
	case strings.HasSuffix(u, ".zip"):
		return FormatZip
	case strings.HasSuffix(u, ".tar.gz"), strings.HasSuffix(u, ".tgz"):
		return FormatTarGz
	default:
		return FormatExecutable
	}
}

// Fetcher downloads artifacts that are missing from disk.
type Fetcher struct {
	Log    *zap.SugaredLogger
	Client *retryablehttp.Client
}

type Option func(f *Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.Client.HTTPClient = c
	}
}

func WithRetryMax(n int) Option {
	return func(f *Fetcher) {
		f.Client.RetryMax = n
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func New(log *zap.SugaredLogger, opts ...Option) *Fetcher {
	client := retryablehttp.NewClient()
	client.Logger = &logAdapter{SugaredLogger: log.Named("http")}
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second

	f := &Fetcher{
		Log:    log,
		Client: client,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Ensure makes sure the artifact exists at its canonical path, downloading it if needed.
// It returns true if the artifact was fetched. An existing path is never inspected or replaced.
func (f *Fetcher) Ensure(ctx context.Context, a Artifact) (bool, error) {
	log := f.Log.With("artifact", a.Name)

	_, err := os.Stat(a.Path)
	if err == nil {
		log.Debugf("%s already present, skipping download", a.Path)
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat'ing %q: %w", a.Path, err)
	}

	dir := filepath.Dir(a.Path)
	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return false, fmt.Errorf("creating %q: %w", dir, err)
	}

	log.Infof("downloading %s", a.URL)
	tmpPath, err := f.download(ctx, a.URL, dir, filepath.Base(a.Path))
	if err != nil {
		return false, err
	}
	defer os.Remove(tmpPath)

	switch format := a.format(); format {
	case FormatExecutable:
		err = installExecutable(tmpPath, a.Path)
	case FormatZip, FormatTarGz:
		err = installArchive(log, tmpPath, format, a)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return false, fmt.Errorf("installing %s: %w", a.Name, err)
	}

	log.Infof("installed %s", a.Path)
	return true, nil
}

// download writes the resource to a temporary file in dir and returns its path.
func (f *Fetcher) download(ctx context.Context, url, dir, base string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building req: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, "."+base+"-*.download")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	_, err = io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("copying %s: %w", url, err)
	}
	err = tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return tmp.Name(), nil
}

func installExecutable(src, dst string) error {
	err := os.Chmod(src, 0o755)
	if err != nil {
		return fmt.Errorf("marking executable: %w", err)
	}
	return os.Rename(src, dst)
}

func installArchive(log *zap.SugaredLogger, archivePath string, format Format, a Artifact) error {
	dir := filepath.Dir(a.Path)
	scratch, err := os.MkdirTemp(dir, "."+filepath.Base(a.Path)+"-scratch-*")
	if err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	switch format {
	case FormatZip:
		err = extractZip(archivePath, scratch)
	case FormatTarGz:
		err = extractTarGz(archivePath, scratch)
	}
	if err != nil {
		return fmt.Errorf("extracting: %w", err)
	}

	payload, err := locate(scratch, a.Prefix)
	if err != nil {
		return err
	}
	if payload == scratch {
		log.Debugf("no entry matching %q, installing archive root", a.Prefix)
	}

	err = os.Rename(payload, a.Path)
	if err != nil {
		return fmt.Errorf("moving %q into place: %w", payload, err)
	}
	return markExecutable(a.Path)
}

// locate returns the first top-level entry of dir whose name starts with prefix, or dir itself when nothing matches.
func locate(dir, prefix string) (string, error) {
	if prefix == "" {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading %q: %w", dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return dir, nil
}

// markExecutable sets the executable bits on path, or on each regular file directly inside it if it is a directory.
func markExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return os.Chmod(path, fi.Mode().Perm()|0o755)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		err = os.Chmod(filepath.Join(path, e.Name()), info.Mode().Perm()|0o755)
		if err != nil {
			return err
		}
	}
	return nil
}
