package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohaanymo/m3u8keeper/internal/decryptor"
	"github.com/mohaanymo/m3u8keeper/internal/httpclient"
	"github.com/mohaanymo/m3u8keeper/internal/models"
	"github.com/mohaanymo/m3u8keeper/internal/parser"
	"github.com/mohaanymo/m3u8keeper/internal/storage"
)

const testRetryDelay = 10 * time.Millisecond

// hlsServer serves a manifest, optional key and numbered segments.
type hlsServer struct {
	*httptest.Server

	mu       sync.Mutex
	manifest string
	key      []byte
	segments map[string][]byte
	delays   map[string]time.Duration
	failing  map[string]bool

	hits atomic.Int32
}

func newHLSServer(t *testing.T) *hlsServer {
	t.Helper()
	s := &hlsServer{
		segments: make(map[string][]byte),
		delays:   make(map[string]time.Duration),
		failing:  make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *hlsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	manifest, key := s.manifest, s.key
	data, ok := s.segments[r.URL.Path]
	delay := s.delays[r.URL.Path]
	failing := s.failing[r.URL.Path]
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/index.m3u8":
		fmt.Fprint(w, manifest)
	case r.URL.Path == "/key.bin" && key != nil:
		w.Write(key)
	case ok:
		s.hits.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		if failing {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write(data)
	default:
		http.NotFound(w, r)
	}
}

// setPlaylist installs segs as 0.ts..n.ts. keyLine, when set, precedes the segments.
func (s *hlsServer) setPlaylist(keyLine string, segs ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:4\n")
	if keyLine != "" {
		b.WriteString(keyLine + "\n")
	}
	for i, seg := range segs {
		name := fmt.Sprintf("%d.ts", i)
		s.segments["/"+name] = seg
		fmt.Fprintf(&b, "#EXTINF:4.0,\n%s\n", name)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	s.manifest = b.String()
}

func (s *hlsServer) manifestURL() string {
	return s.URL + "/index.m3u8"
}

func (s *hlsServer) client() httpclient.Fetcher {
	return httpclient.Wrap(s.Server.Client(), nil)
}

// fakeEngine is an in-memory remux engine.
type fakeEngine struct {
	mu sync.Mutex

	loadErr error
	runErr  error
	output  func(in []byte) []byte

	loaded bool
	loads  int
	exits  int
	files  map[string][]byte
	args   []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		files:  make(map[string][]byte),
		output: func(in []byte) []byte { return append([]byte("mp4:"), in...) },
	}
}

func (e *fakeEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loads++
	if e.loadErr != nil {
		return e.loadErr
	}
	e.loaded = true
	return nil
}

func (e *fakeEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *fakeEngine) Exit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exits++
	e.loaded = false
	return nil
}

func (e *fakeEngine) WriteFile(name string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[name] = append([]byte(nil), data...)
	return nil
}

func (e *fakeEngine) Run(ctx context.Context, args ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.args = args
	if e.runErr != nil {
		return e.runErr
	}
	e.files[args[len(args)-1]] = e.output(e.files[args[1]])
	return nil
}

func (e *fakeEngine) ReadFile(name string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.files[name]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (e *fakeEngine) DeleteFile(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.files[name]; !ok {
		return errors.New("no such file")
	}
	delete(e.files, name)
	return nil
}

func (e *fakeEngine) fileCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.files)
}

// memRecorder collects recorded jobs.
type memRecorder struct {
	mu   sync.Mutex
	jobs []models.DownloadJob
	errs []error
}

func (r *memRecorder) Record(ctx context.Context, job models.DownloadJob, res *models.Result, jobErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	r.errs = append(r.errs, jobErr)
	return nil
}

func (r *memRecorder) snapshot() ([]models.DownloadJob, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.DownloadJob(nil), r.jobs...), append([]error(nil), r.errs...)
}

// eventLog collects progress events.
type eventLog struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (l *eventLog) add(ev models.ProgressEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) stages() []models.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Stage
	for _, ev := range l.events {
		if len(out) == 0 || out[len(out)-1] != ev.Stage {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func (l *eventLog) last() models.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

type testPipeline struct {
	*Pipeline
	engine   *fakeEngine
	saver    *storage.Memory
	recorder *memRecorder
}

func newTestPipeline(t *testing.T, srv *hlsServer, skipTranscode bool) *testPipeline {
	t.Helper()

	fetcher := NewSegmentFetcher(srv.client(), testRetryDelay, nil)
	engine := newFakeEngine()
	saver := storage.NewMemory()
	recorder := &memRecorder{}

	p, err := NewPipeline(Options{
		Parser:        parser.NewHLSParser(srv.client(), nil),
		Assembler:     NewSegmentAssembler(fetcher, decryptor.New(nil)),
		Converter:     NewTranscoder(engine, TranscoderConfig{FastStart: true}, nil),
		Saver:         saver,
		Recorder:      recorder,
		SkipTranscode: skipTranscode,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testPipeline{Pipeline: p, engine: engine, saver: saver, recorder: recorder}
}
