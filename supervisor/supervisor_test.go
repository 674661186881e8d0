package supervisor

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	internalnet "github.com/guseggert/challengeshell/internal/net"
	"github.com/guseggert/challengeshell/supervisor/fetch"
	"github.com/guseggert/challengeshell/supervisor/seed"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"
)

const seedSQL = `
CREATE TABLE agents (id INTEGER PRIMARY KEY, codename TEXT NOT NULL);
INSERT INTO agents (codename) VALUES ('ghost');
`

// fakeTTYD records how it was started and exits without ever listening.
const fakeTTYD = `#!/bin/sh
printf '%s\n' "$@" > "$FAKE_OUT/args"
pwd > "$FAKE_OUT/cwd"
echo "$PATH" > "$FAKE_OUT/path"
echo "ttyd starting on port $2"
echo "ttyd warning" 1>&2
touch "$FAKE_OUT/done"
exit 3
`

const fakeSQLite = `#!/bin/sh
cat > "$1"
`

type releaseServer struct {
	*httptest.Server
	hits atomic.Int64
}

func newReleaseServer(t *testing.T, files map[string][]byte) *releaseServer {
	s := &releaseServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		b, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(b)
	}))
	t.Cleanup(s.Close)
	return s
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, contents := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newRoot(t *testing.T, withSeed bool) string {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "public"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "public", "index.html"), []byte("<h1>ciphertech</h1>"), 0o644))
	if withSeed {
		require.NoError(t, os.WriteFile(filepath.Join(root, DefaultSeedScript), []byte(seedSQL), 0o644))
	}
	return root
}

func testConfig(t *testing.T, root string, releases *releaseServer, fakeOut string) Config {
	cfg := DefaultConfig(root)
	cfg.DBTool.Enabled = false
	cfg.Terminal.URL = releases.URL + "/ttyd.x86_64"
	cfg.Terminal.Env = []string{"FAKE_OUT=" + fakeOut}

	for cfg.Port == cfg.Terminal.Port || cfg.Port == DefaultPort {
		port, err := internalnet.GetEphemeralTCPPort()
		require.NoError(t, err)
		termPort, err := internalnet.GetEphemeralTCPPort()
		require.NoError(t, err)
		cfg.Port, cfg.Terminal.Port = port, termPort
	}
	return cfg
}

// start runs the supervisor until the test ends and waits for the HTTP server to come up.
func start(t *testing.T, cfg Config) string {
	s, err := New(cfg, WithLogger(zaptest.NewLogger(t)), WithFetchOptions(fetch.WithRetryMax(0)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	stop := func() {
		cancel()
		require.NoError(t, <-errCh)
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	ok := assert.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 10*time.Second, 20*time.Millisecond)
	if !ok {
		stop()
		t.FailNow()
	}
	t.Cleanup(stop)
	return baseURL
}

func get(t *testing.T, u string) (int, string) {
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func readLines(t *testing.T, path string) []string {
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func waitForFile(t *testing.T, path string) {
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)
}

func sameDir(t *testing.T, exp, got string) {
	expResolved, err := filepath.EvalSymlinks(exp)
	require.NoError(t, err)
	gotResolved, err := filepath.EvalSymlinks(got)
	require.NoError(t, err)
	assert.Equal(t, expResolved, gotResolved)
}

func TestRunFullPipeline(t *testing.T) {
	root := newRoot(t, true)
	out := t.TempDir()
	releases := newReleaseServer(t, map[string][]byte{"/ttyd.x86_64": []byte(fakeTTYD)})
	cfg := testConfig(t, root, releases, out)

	baseURL := start(t, cfg)
	waitForFile(t, filepath.Join(out, "done"))

	fi, err := os.Stat(cfg.TerminalPath())
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode().Perm()&0o111)

	assert.Equal(t, cfg.Bridge().Args(), readLines(t, filepath.Join(out, "args")))
	sameDir(t, cfg.DataPath(), readLines(t, filepath.Join(out, "cwd"))[0])

	rc, err := os.ReadFile(filepath.Join(cfg.DataPath(), ".bashrc"))
	require.NoError(t, err)
	assert.Equal(t, cfg.RC().Render(), string(rc))

	db, err := sql.Open("sqlite", cfg.StorePath())
	require.NoError(t, err)
	defer db.Close()
	var codename string
	require.NoError(t, db.QueryRow(`SELECT codename FROM agents`).Scan(&codename))
	assert.Equal(t, "ghost", codename)

	status, body := get(t, baseURL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<h1>ciphertech</h1>", body)

	status, _ = get(t, baseURL+"/nothing-here.txt")
	assert.Equal(t, http.StatusNotFound, status)

	// the bridge exited, so the proxy reports the upstream as unavailable
	status, _ = get(t, baseURL+"/terminal/")
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestRunDegraded(t *testing.T) {
	root := newRoot(t, false)
	releases := newReleaseServer(t, nil)
	cfg := testConfig(t, root, releases, t.TempDir())

	baseURL := start(t, cfg)

	status, body := get(t, baseURL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<h1>ciphertech</h1>", body)

	status, _ = get(t, baseURL+"/terminal/")
	assert.Equal(t, http.StatusBadGateway, status)

	assert.NoFileExists(t, cfg.StorePath())
	assert.NoFileExists(t, cfg.TerminalPath())
	assert.DirExists(t, cfg.DataPath())
	assert.EqualValues(t, 1, releases.hits.Load())
}

func TestRestartIsIdempotent(t *testing.T) {
	root := newRoot(t, true)
	releases := newReleaseServer(t, map[string][]byte{"/ttyd.x86_64": []byte(fakeTTYD)})

	var storeContents []byte
	var storeModTime time.Time
	for i := 0; i < 2; i++ {
		t.Run(fmt.Sprintf("start %d", i), func(t *testing.T) {
			out := t.TempDir()
			cfg := testConfig(t, root, releases, out)
			start(t, cfg)
			waitForFile(t, filepath.Join(out, "done"))

			b, err := os.ReadFile(cfg.StorePath())
			require.NoError(t, err)
			fi, err := os.Stat(cfg.StorePath())
			require.NoError(t, err)
			if i == 0 {
				storeContents, storeModTime = b, fi.ModTime()
				return
			}
			assert.Equal(t, storeContents, b)
			assert.True(t, storeModTime.Equal(fi.ModTime()))
		})
	}
	assert.EqualValues(t, 1, releases.hits.Load())
}

func TestManagedDBToolIsPreferred(t *testing.T) {
	root := newRoot(t, true)
	out := t.TempDir()
	releases := newReleaseServer(t, map[string][]byte{
		"/ttyd.x86_64": []byte(fakeTTYD),
		"/sqlite-tools-linux-x86-3440200.zip": zipBytes(t, map[string]string{
			"sqlite-tools-linux-x86-3440200/sqlite3": fakeSQLite,
		}),
	})
	cfg := testConfig(t, root, releases, out)
	cfg.DBTool.Enabled = true
	cfg.DBTool.URL = releases.URL + "/sqlite-tools-linux-x86-3440200.zip"

	start(t, cfg)
	waitForFile(t, filepath.Join(out, "done"))

	// the fake CLI copies the script verbatim, so a real database here would mean another tool was used
	b, err := os.ReadFile(cfg.StorePath())
	require.NoError(t, err)
	assert.Equal(t, seedSQL, string(b))

	path := readLines(t, filepath.Join(out, "path"))[0]
	assert.True(t, strings.HasPrefix(path, cfg.DBToolPath()+string(os.PathListSeparator)), path)
}

func TestSeedToolOrder(t *testing.T) {
	cfg := DefaultConfig("/srv")
	s, err := New(cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	tools := s.SeedTools()
	require.Len(t, tools, 3)
	assert.Equal(t, "/srv/sqlite-tools/sqlite3", tools[0].Name())
	assert.Equal(t, "sqlite3", tools[1].Name())
	assert.IsType(t, seed.Builtin{}, tools[2])

	cfg.DBTool.Enabled = false
	cfg.BuiltinSeed = false
	s, err = New(cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.Len(t, s.SeedTools(), 1)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig("/srv")
	cfg.Port = -1
	_, err := New(cfg)
	require.ErrorContains(t, err, "invalid config")
}
