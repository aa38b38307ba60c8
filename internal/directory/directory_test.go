package directory

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshphone/meshphone/internal/config"
	"github.com/meshphone/meshphone/internal/state"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("hello,world"))
	b := Fingerprint([]byte("hello,world"))
	c := Fingerprint([]byte("hello,worlD"))

	assert.Equal(t, a, b, "fingerprint must be deterministic")
	assert.NotEqual(t, a, c, "single byte change must alter fingerprint")
	assert.Len(t, a, 8, "fingerprint is 8 hex digits")
	assert.Equal(t, "00000000", Fingerprint(nil))
}

func TestParseCSV(t *testing.T) {
	const body = `FirstName,LastName,Callsign,Location,Telephone
John,Doe,K1ABC,Boston,1001
*Jane,Roe,K2XYZ,Salem,1002
 Bob , Ray , K3QQQ , Lowell , 1003
Missing,Phone,K4NNN,Nowhere,
Short,Row
`
	entries, err := ParseCSV(body)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "John Doe (K1ABC)", entries[0].DisplayName())
	assert.False(t, entries[0].Inactive)
	assert.Equal(t, "1001", entries[0].Telephone)

	assert.True(t, entries[1].Inactive, "leading * marks inactive")
	assert.Equal(t, "Jane Roe (K2XYZ)", entries[1].DisplayName(), "marker is stripped from the name")

	assert.Equal(t, "Bob Ray (K3QQQ)", entries[2].DisplayName(), "fields are trimmed")
}

func TestSanitize(t *testing.T) {
	in := []byte{'a', 0xff, 'b'}
	out := Sanitize(in)
	assert.Equal(t, "a?b", out)
}

func TestXMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phonebook.xml")
	entries := []Entry{
		{FirstName: "John", LastName: "O'Doe <QRP>", Callsign: "K1ABC", Telephone: "1001"},
		{FirstName: "Jane", LastName: "Roe", Callsign: "K2XYZ", Telephone: "1002", Inactive: true},
	}
	require.NoError(t, WriteXML(path, entries))

	users, err := ReadXML(path)
	require.NoError(t, err)
	require.Len(t, users, 2)

	assert.Equal(t, "John O'Doe <QRP> (K1ABC)", users[0].Name, "entities must round-trip")
	assert.False(t, users[0].Inactive)
	assert.Equal(t, "1001", users[0].Telephone)

	assert.True(t, users[1].Inactive, "inactive marker survives the artifact")
	assert.Equal(t, "Jane Roe (K2XYZ)", users[1].Name)
}

func TestXMLDeterministic(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.xml")
	p2 := filepath.Join(dir, "b.xml")
	entries := []Entry{{FirstName: "A", LastName: "B", Callsign: "C", Telephone: "1"}}
	require.NoError(t, WriteXML(p1, entries))
	require.NoError(t, WriteXML(p2, entries))

	b1, _ := os.ReadFile(p1)
	b2, _ := os.ReadFile(p2)
	assert.Equal(t, b1, b2, "identical input must produce identical bytes")
}

func TestReadXMLMissingFile(t *testing.T) {
	users, err := ReadXML(filepath.Join(t.TempDir(), "absent.xml"))
	require.NoError(t, err)
	assert.Nil(t, users)
}

func testConfig(t *testing.T, srvURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	u, err := url.Parse(srvURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	cfg.PhonebookServers = []config.PhonebookServer{
		{Host: u.Hostname(), Port: port, Path: "/phonebook.csv"},
	}
	return cfg
}

func TestIngestorCycleAndIdempotence(t *testing.T) {
	const body = "John,Doe,K1ABC,Boston,1001\n*Jane,Roe,K2XYZ,Salem,1002\n"
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(body))
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	users := state.NewUserTable(discard())
	in := NewIngestor(cfg, users, discard())

	require.NoError(t, in.Cycle(context.Background()))
	assert.Equal(t, 2, users.Count())

	u, ok := users.Lookup("1001")
	require.True(t, ok)
	assert.True(t, u.KnownFromDirectory)
	assert.True(t, u.Active)
	assert.Equal(t, "John Doe (K1ABC)", u.DisplayName)

	u, _ = users.Lookup("1002")
	assert.False(t, u.Active, "starred entry lands inactive")

	// One signal pulse for the publication.
	select {
	case <-in.Signal():
	default:
		t.Fatal("expected a signal after publication")
	}

	xmlBefore, err := os.ReadFile(cfg.PhonebookXMLPath())
	require.NoError(t, err)
	xmlStat, err := os.Stat(cfg.PhonebookXMLPath())
	require.NoError(t, err)

	// Identical content: no rewrite, no extra signal.
	require.NoError(t, in.Cycle(context.Background()))
	assert.Equal(t, 2, hits, "both cycles fetch")

	xmlAfter, err := os.ReadFile(cfg.PhonebookXMLPath())
	require.NoError(t, err)
	assert.Equal(t, xmlBefore, xmlAfter)
	statAfter, err := os.Stat(cfg.PhonebookXMLPath())
	require.NoError(t, err)
	assert.Equal(t, xmlStat.ModTime(), statAfter.ModTime(), "unchanged content must not republish")

	select {
	case <-in.Signal():
		t.Fatal("unchanged content must not signal the reconciler")
	default:
	}
}

func TestIngestorFailover(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer bad.Close()
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer empty.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("John,Doe,K1ABC,Boston,1001\n"))
	}))
	defer good.Close()

	cfg := testConfig(t, good.URL)
	addSource := func(raw string) {
		u, _ := url.Parse(raw)
		port, _ := strconv.Atoi(u.Port())
		cfg.PhonebookServers = append([]config.PhonebookServer{
			{Host: u.Hostname(), Port: port, Path: "/phonebook.csv"},
		}, cfg.PhonebookServers...)
	}
	addSource(empty.URL) // second in line, empty body
	addSource(bad.URL)   // first in line, HTTP 500

	users := state.NewUserTable(discard())
	in := NewIngestor(cfg, users, discard())
	require.NoError(t, in.Cycle(context.Background()))
	assert.Equal(t, 1, users.Count(), "third source must win after two failures")
}

func TestIngestorAllSourcesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	in := NewIngestor(cfg, state.NewUserTable(discard()), discard())
	err := in.Cycle(context.Background())
	assert.ErrorIs(t, err, ErrAllSourcesFailed)
}

func TestReconcilerAppliesArtifact(t *testing.T) {
	dir := t.TempDir()
	xmlPath := filepath.Join(dir, "phonebook.xml")
	require.NoError(t, WriteXML(xmlPath, []Entry{
		{FirstName: "John", LastName: "Doe", Callsign: "K1ABC", Telephone: "1001"},
		{FirstName: "Jane", LastName: "Roe", Callsign: "K2XYZ", Telephone: "1002", Inactive: true},
	}))

	users := state.NewUserTable(discard())
	// A user that has dropped out of the directory.
	users.UpsertDirectory("1999", "Gone User (K9GON)", true)

	rec := NewReconciler(users, xmlPath, time.Minute, make(chan struct{}), discard())
	rec.Reconcile()

	u, ok := users.Lookup("1001")
	require.True(t, ok)
	assert.True(t, u.Active)
	assert.Equal(t, "John Doe (K1ABC)", u.DisplayName)

	u, _ = users.Lookup("1002")
	assert.False(t, u.Active)

	u, _ = users.Lookup("1999")
	assert.False(t, u.Active, "user absent from artifact is deactivated")
}

func TestReconcilerWakesOnSignal(t *testing.T) {
	dir := t.TempDir()
	xmlPath := filepath.Join(dir, "phonebook.xml")
	require.NoError(t, WriteXML(xmlPath, []Entry{
		{FirstName: "John", LastName: "Doe", Callsign: "K1ABC", Telephone: "1001"},
	}))

	users := state.NewUserTable(discard())
	signal := make(chan struct{}, 1)
	rec := NewReconciler(users, xmlPath, time.Hour, signal, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	signal <- struct{}{}
	require.Eventually(t, func() bool {
		return users.Count() == 1
	}, 2*time.Second, 10*time.Millisecond, "signal must trigger reconcile without waiting the interval")

	cancel()
	<-done
}
