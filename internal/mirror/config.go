package mirror

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

const defaultMaxConns = 10

// TLSConfig mirrors the ambient TLS knobs every transfer the Downloader
// Pool makes is subject to.
type TLSConfig struct {
	MinVersion         string `toml:"min_version"`
	MaxVersion         string `toml:"max_version"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CACertFile         string `toml:"ca_cert_file"`
	ClientCertFile     string `toml:"client_cert_file"`
	ClientKeyFile      string `toml:"client_key_file"`
	ServerName         string `toml:"server_name"`
}

// Build creates a *tls.Config from t.
func (t *TLSConfig) Build() (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: t.InsecureSkipVerify, // #nosec G402 - user-configurable for lab/offline mirrors
		ServerName:         t.ServerName,
		MinVersion:         tls.VersionTLS12,
	}

	switch t.MinVersion {
	case "", "1.2":
	case "1.3":
		cfg.MinVersion = tls.VersionTLS13
	default:
		return nil, errors.Newf("invalid tls min_version: %s", t.MinVersion)
	}

	switch t.MaxVersion {
	case "":
	case "1.2":
		cfg.MaxVersion = tls.VersionTLS12
	case "1.3":
		cfg.MaxVersion = tls.VersionTLS13
	default:
		return nil, errors.Newf("invalid tls max_version: %s", t.MaxVersion)
	}

	if t.CACertFile != "" {
		pem, err := os.ReadFile(t.CACertFile) // #nosec G304 - operator-supplied path from Settings
		if err != nil {
			return nil, errors.Wrap(err, "reading ca_cert_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse ca_cert_file")
		}
		cfg.RootCAs = pool
	}

	if t.ClientCertFile != "" || t.ClientKeyFile != "" {
		if t.ClientCertFile == "" || t.ClientKeyFile == "" {
			return nil, errors.New("both client_cert_file and client_key_file must be set")
		}
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "loading client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// LogConfig configures the process-wide slog logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures slog's default logger from lc.
func (lc *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.Newf("invalid log level: %s", lc.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(lc.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "", "text", "plain":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.Newf("invalid log format: %s", lc.Format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// Settings is the process-wide knob set, decoded from a small TOML file
// (github.com/BurntSushi/toml, the library the ambient config layer uses
// throughout this codebase's lineage).
type Settings struct {
	Dir         string    `toml:"dir"`
	ArchiveList string    `toml:"archive_list"`
	MaxConns    int       `toml:"max_conns"`
	LimitRate   int       `toml:"limit_rate"`
	ByHash      bool      `toml:"by_hash"`
	Contents    bool      `toml:"contents"`
	Dep11       bool      `toml:"dep11"`
	Languages   []string  `toml:"languages"`
	ForceUpdate bool      `toml:"force_update"`
	TestMode    bool      `toml:"test_mode"`
	Quiet       bool      `toml:"quiet"`
	DefaultArch string    `toml:"default_architecture"`
	Log         LogConfig `toml:"log"`
	TLS         TLSConfig `toml:"tls"`
}

// NewSettings constructs Settings with the documented defaults.
func NewSettings() *Settings {
	return &Settings{
		MaxConns:    defaultMaxConns,
		DefaultArch: "amd64",
		Languages:   []string{"en"},
	}
}

// Check validates the settings.
func (s *Settings) Check() error {
	if s.Dir == "" {
		return errors.New("dir is not set")
	}
	if s.ArchiveList == "" {
		return errors.New("archive_list is not set")
	}
	if s.MaxConns <= 0 {
		return errors.New("max_conns must be a positive integer")
	}
	return nil
}

// RepositoryKind distinguishes binary from source repositories.
type RepositoryKind int

const (
	// KindBinary tags a "deb" line.
	KindBinary RepositoryKind = iota
	// KindSource tags a "deb-src" line.
	KindSource
)

// RepositoryConfig is one parsed "deb"/"deb-src" line from the archive
// list, in the classic apt-mirror mirror.list grammar (spec §6).
type RepositoryConfig struct {
	Kind          RepositoryKind
	URI           string
	Distribution  string
	Components    []string
	Architectures []string
	CleanEnabled  bool
}

// IsFlat reports whether this repository has neither distribution nor
// components.
func (rc *RepositoryConfig) IsFlat() bool {
	return rc.Distribution == ""
}

// ParseArchiveList parses the classic apt-mirror line grammar: "deb
// [arch=A,B] URI [DIST COMP...]", "deb-src URI DIST COMP...", and "clean URI
// False". Inline "#" comments are stripped and blank lines are ignored.
func ParseArchiveList(r io.Reader, defaultArch string) ([]*RepositoryConfig, error) {
	var repos []*RepositoryConfig
	cleanDisabled := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "deb", "deb-src":
			repo, err := parseRepositoryLine(fields, defaultArch)
			if err != nil {
				return nil, errors.Wrap(err, "ParseArchiveList")
			}
			repos = append(repos, repo)

		case "clean":
			if len(fields) != 3 {
				return nil, errors.Newf("ParseArchiveList: malformed clean directive: %q", line)
			}
			if strings.EqualFold(fields[2], "false") {
				cleanDisabled[fields[1]] = true
			}

		default:
			return nil, errors.Newf("ParseArchiveList: unrecognized directive: %q", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for _, repo := range repos {
		if cleanDisabled[repo.URI] {
			repo.CleanEnabled = false
		}
	}

	return repos, nil
}

func parseRepositoryLine(fields []string, defaultArch string) (*RepositoryConfig, error) {
	kind := KindBinary
	if fields[0] == "deb-src" {
		kind = KindSource
	}

	idx := 1
	architectures := []string{defaultArch}
	if idx < len(fields) && strings.HasPrefix(fields[idx], "[arch=") && strings.HasSuffix(fields[idx], "]") {
		raw := strings.TrimSuffix(strings.TrimPrefix(fields[idx], "[arch="), "]")
		architectures = strings.Split(raw, ",")
		idx++
	}

	if idx >= len(fields) {
		return nil, errors.New("missing URI")
	}
	uri := fields[idx]
	idx++

	repo := &RepositoryConfig{
		Kind:          kind,
		URI:           uri,
		Architectures: architectures,
		CleanEnabled:  true,
	}

	// Flat repository: the token right after URI is missing or "/".
	if idx >= len(fields) || fields[idx] == "/" {
		return repo, nil
	}

	repo.Distribution = fields[idx]
	repo.Components = append([]string{}, fields[idx+1:]...)
	return repo, nil
}
