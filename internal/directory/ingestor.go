package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/meshphone/meshphone/internal/config"
	"github.com/meshphone/meshphone/internal/fileutil"
	"github.com/meshphone/meshphone/internal/state"
	"github.com/meshphone/meshphone/internal/timeutil"
)

// maxPhonebookBody bounds a fetched CSV body.
const maxPhonebookBody = 1 << 20

// ErrAllSourcesFailed reports that no phonebook source produced a body.
var ErrAllSourcesFailed = errors.New("all phonebook sources failed")

// Ingestor fetches the phonebook, detects change, updates the user table,
// and publishes the XML artifact.
type Ingestor struct {
	sources  []config.PhonebookServer
	client   *http.Client
	users    *state.UserTable
	xmlPath  string
	fpPath   string
	interval time.Duration
	signal   chan struct{}
	log      *slog.Logger

	populated bool
}

// NewIngestor wires an ingestor from configuration.
func NewIngestor(cfg *config.Config, users *state.UserTable, log *slog.Logger) *Ingestor {
	return &Ingestor{
		sources:  cfg.PhonebookServers,
		client:   &http.Client{Timeout: 5 * time.Second},
		users:    users,
		xmlPath:  cfg.PhonebookXMLPath(),
		fpPath:   cfg.FingerprintPath(),
		interval: time.Duration(cfg.PhonebookInterval) * time.Second,
		signal:   make(chan struct{}, 1),
		log:      log.With("component", "directory_ingestor"),
	}
}

// Signal is the channel pulsed after each successful publication. The
// reconciler selects on it alongside its wall-clock interval.
func (in *Ingestor) Signal() <-chan struct{} { return in.signal }

// Run executes fetch cycles until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context) error {
	in.log.Info("phonebook ingestor started", "sources", len(in.sources), "interval", in.interval)
	for {
		if err := in.Cycle(ctx); err != nil && ctx.Err() == nil {
			in.log.Warn("fetcher cycle failed", "error", err)
		}
		if !timeutil.Sleep(ctx, in.interval) {
			in.log.Info("phonebook ingestor stopped")
			return nil
		}
	}
}

// Cycle performs one fetch-compare-publish pass.
func (in *Ingestor) Cycle(ctx context.Context) error {
	body, source, err := in.fetch(ctx)
	if err != nil {
		return err
	}

	fp := Fingerprint(body)
	if fp == in.lastFingerprint() && in.populated && in.users.Count() > 0 {
		in.log.Info("phonebook unchanged, skipping republication", "fingerprint", fp)
		return nil
	}

	entries, err := ParseCSV(Sanitize(body))
	if err != nil {
		return err
	}
	in.log.Info("phonebook fetched", "source", source, "entries", len(entries), "fingerprint", fp)

	for _, e := range entries {
		in.users.UpsertDirectory(e.Telephone, e.DisplayName(), !e.Inactive)
	}

	if err := WriteXML(in.xmlPath, entries); err != nil {
		return err
	}
	if err := fileutil.WriteAtomic(in.fpPath, []byte(fp+"\n"), 0o644); err != nil {
		return fmt.Errorf("storing fingerprint: %w", err)
	}
	in.populated = true

	// Pulse the reconciler; a pending pulse already covers this update.
	select {
	case in.signal <- struct{}{}:
	default:
	}
	in.log.Info("phonebook published", "path", in.xmlPath)
	return nil
}

// fetch tries each source in order; the first non-empty body wins.
func (in *Ingestor) fetch(ctx context.Context) ([]byte, string, error) {
	if len(in.sources) == 0 {
		return nil, "", errors.New("no phonebook sources configured")
	}
	for _, src := range in.sources {
		url := src.URL()
		body, err := in.get(ctx, url)
		if err != nil {
			in.log.Warn("phonebook source failed", "url", url, "error", err)
			continue
		}
		if len(body) == 0 {
			in.log.Warn("phonebook source returned empty body", "url", url)
			continue
		}
		return body, url, nil
	}
	return nil, "", ErrAllSourcesFailed
}

func (in *Ingestor) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Close = true
	resp, err := in.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPhonebookBody))
}

// lastFingerprint reads the stored fingerprint; absence means "changed".
func (in *Ingestor) lastFingerprint() string {
	data, err := os.ReadFile(in.fpPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
