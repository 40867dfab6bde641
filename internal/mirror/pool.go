package mirror

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Kind distinguishes the three download phases the Orchestrator drives the
// Downloader Pool through, each logged to its own file under var/log.
type Kind int

const (
	KindRelease Kind = iota
	KindIndex
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindRelease:
		return "release"
	case KindIndex:
		return "index"
	case KindArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// Task is one file the Downloader Pool must fetch: the absolute URL to GET
// and the path, relative to Skel, it should be written to.
type Task struct {
	URL  string
	Dest string
	Kind Kind
}

const (
	maxAttempts       = 5
	retryBaseDelay    = time.Second
	crashMarkerPrefix = "Download-lock."
)

// Pool is the Downloader Pool (spec §4.8): a bounded-concurrency set of
// workers, each guarded by its own crash marker, fetching into Skel with
// wget-compatible retry/backoff and timestamp preservation.
type Pool struct {
	client   *http.Client
	limiter  *rate.Limiter
	maxConns int
	skelRoot string
	varDir   string
	quiet    bool

	logMu sync.Mutex
	logs  map[Kind]*os.File

	slots chan int
}

// NewPool constructs a Pool. rateLimit is the transfer-rate cap in
// bytes/second; zero disables rate limiting. tlsConf may be nil.
func NewPool(tlsConf *tls.Config, maxConns int, rateLimit int, skelRoot, varDir string, quiet bool) (*Pool, error) {
	if maxConns <= 0 {
		return nil, errors.New("NewPool: maxConns must be positive")
	}
	if err := os.MkdirAll(varDir, 0o755); err != nil { // #nosec G301 - run-local state directory
		return nil, errors.Wrap(err, "NewPool: creating var dir")
	}

	transport := &http.Transport{}
	if tlsConf != nil {
		transport.TLSClientConfig = tlsConf
	}

	var limiter *rate.Limiter
	if rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateLimit), rateLimit)
	}

	slots := make(chan int, maxConns)
	for i := 0; i < maxConns; i++ {
		slots <- i
	}

	return &Pool{
		client:   &http.Client{Transport: transport},
		limiter:  limiter,
		maxConns: maxConns,
		skelRoot: skelRoot,
		varDir:   varDir,
		quiet:    quiet,
		logs:     make(map[Kind]*os.File),
		slots:    slots,
	}, nil
}

// Close releases every per-kind log file.
func (p *Pool) Close() error {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	var err error
	for _, f := range p.logs {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (p *Pool) logFile(kind Kind) (*os.File, error) {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	if f, ok := p.logs[kind]; ok {
		return f, nil
	}
	logDir := filepath.Join(p.varDir, "log")
	if err := os.MkdirAll(logDir, 0o755); err != nil { // #nosec G301
		return nil, err
	}
	path := filepath.Join(logDir, kind.String()+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G302,G304
	if err != nil {
		return nil, err
	}
	p.logs[kind] = f
	return f, nil
}

func (p *Pool) logLine(kind Kind, format string, args ...any) {
	f, err := p.logFile(kind)
	if err != nil {
		slog.Warn("failed to open per-kind download log", "kind", kind, "error", err)
		return
	}
	p.logMu.Lock()
	defer p.logMu.Unlock()
	fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// Fetch downloads every task, using up to p.maxConns concurrent workers.
// Each worker claims an exclusive slot (and its crash marker) before each
// transfer and releases it on completion. A progress bar is shown unless
// the pool is quiet.
func (p *Pool) Fetch(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	var bar *pb.ProgressBar
	if !p.quiet {
		bar = pb.StartNew(len(tasks))
		defer bar.Finish()
	}

	// A plain Group: one failed transfer must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(p.maxConns)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			slot := <-p.slots
			defer func() { p.slots <- slot }()

			if err := p.fetchOne(ctx, slot, task); err != nil {
				p.logLine(task.Kind, "FAIL %s: %v", task.URL, err)
				return errors.Wrapf(err, "fetching %s", task.URL)
			}
			p.logLine(task.Kind, "OK %s", task.URL)
			if bar != nil {
				bar.Increment()
			}
			return nil
		})
	}

	return g.Wait()
}

// fetchOne performs one retried, crash-marker-guarded, rate-limited
// download of task into p.skelRoot.
func (p *Pool) fetchOne(ctx context.Context, slot int, task Task) error {
	destPath := filepath.Join(p.skelRoot, filepath.FromSlash(task.Dest))
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil { // #nosec G301
		return err
	}

	// The marker's first line is the half-downloaded file it guards, so a
	// future startup's crash recovery (RecoverCrashMarkers) knows what to
	// delete without having to re-derive it from the URL (spec §4.8 steps
	// 2-3, §4.9 step 1).
	markerPath := filepath.Join(p.varDir, crashMarkerPrefix+strconv.Itoa(slot))
	lock, err := OpenLock(markerPath + ".lock")
	if err != nil {
		return errors.Wrap(err, "opening download lock")
	}
	defer lock.Close()
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock() // #nosec G104 - runs after the marker is removed, before the file is closed
	markerContents := destPath + "\n" + task.URL + "\n"
	if err := os.WriteFile(markerPath, []byte(markerContents), 0o644); err != nil { // #nosec G306,G304
		return errors.Wrap(err, "writing crash marker")
	}
	defer os.Remove(markerPath) // #nosec G104 - best-effort cleanup; a leftover marker is recovered next run

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retryAfter, err := p.download(ctx, task.URL, destPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		if retryAfter > 0 {
			select {
			case <-time.After(retryAfter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return errors.Wrapf(lastErr, "giving up after %d attempts", maxAttempts)
}

// retryableError wraps an error encountered on a 429/503 response,
// carrying any Retry-After duration the server reported.
type retryableError struct {
	status     string
	retryAfter time.Duration
	err        error
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("%s: %v", e.status, e.err)
}

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// download performs a single GET of url into destPath, preserving the
// server's Last-Modified timestamp on the resulting file (wget -N
// behavior) so the Timestamp Tracker sees the archive's own mtime rather
// than the moment it happened to be fetched.
func (p *Pool) download(ctx context.Context, url, destPath string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return parseRetryAfter(resp.Header.Get("Retry-After")), &retryableError{status: resp.Status, err: errors.Newf("status %s", resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Newf("unexpected status %s for %s", resp.Status, url)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return 0, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	var body io.Reader = resp.Body
	if p.limiter != nil {
		body = &rateLimitedReader{ctx: ctx, r: resp.Body, limiter: p.limiter}
	}

	if _, err := io.Copy(tmp, body); err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, perr := http.ParseTime(lm); perr == nil {
			_ = os.Chtimes(destPath, t, t)
		}
	}

	return 0, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}

// rateLimitedReader throttles reads to the wrapped limiter's rate.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	// WaitN rejects n above the burst, so never read more than that at once.
	if burst := r.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// RecoverCrashMarkers scans varDir for a previous run's leftover per-worker
// crash markers and, for each one found, deletes the half-downloaded file
// its first line points at (spec §4.9 step 1, testable property 9). It
// does not remove the markers themselves or touch the app-lock sentinel;
// the caller wipes var/ wholesale once recovery and the interrupted-flag
// check are both done.
func RecoverCrashMarkers(varDir string) error {
	entries, err := os.ReadDir(varDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !isCrashMarker(e.Name()) {
			continue
		}
		target, err := crashMarkerTarget(filepath.Join(varDir, e.Name()))
		if err != nil || target == "" {
			continue
		}
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing half-downloaded file %s", target)
		}
	}
	return nil
}

func isCrashMarker(name string) bool {
	return strings.HasPrefix(name, crashMarkerPrefix)
}

// crashMarkerTarget reads the half-downloaded file path recorded on a crash
// marker's first line.
func crashMarkerTarget(markerPath string) (string, error) {
	data, err := os.ReadFile(markerPath) // #nosec G304 - markerPath is enumerated from var/, not user input
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(line), nil
}
