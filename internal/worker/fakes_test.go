package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/e14-scraper/internal/headless/detector"
	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeHasher struct{ hash string }

func (h *fakeHasher) Hash([]byte) (string, error) { return h.hash, nil }

type fakeProxies struct {
	mu        sync.Mutex
	addr      string
	err       error
	successes []string
	failures  []string
}

func (p *fakeProxies) Select() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr, p.err
}

func (p *fakeProxies) ReportSuccess(address string, _ time.Duration) {
	p.mu.Lock()
	p.successes = append(p.successes, address)
	p.mu.Unlock()
}

func (p *fakeProxies) ReportFailure(address string, _ string) {
	p.mu.Lock()
	p.failures = append(p.failures, address)
	p.mu.Unlock()
}

func (p *fakeProxies) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.successes), len(p.failures)
}

// fakePage scripts one portal session. challenges is consumed by successive DetectChallenge calls.
type fakePage struct {
	mu          sync.Mutex
	navigateErr error
	// hang makes Navigate wait for ctx to end, like a portal that never answers.
	hang        bool
	navigated   chan struct{}
	release     chan struct{}
	challenges  []scraper.Challenge
	// With a detector set, challenges are read from markup, which solving rewrites.
	detector    *detector.Heuristic
	markup      string
	invisible   int
	injected    []string
	results     scraper.PageContent
	resultsErr  error
	closed      bool
}

func (p *fakePage) Navigate(ctx context.Context, _ scraper.LocationKey) error {
	if p.navigated != nil {
		close(p.navigated)
	}
	if p.release != nil {
		<-p.release
	}
	if p.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.navigateErr
}

func (p *fakePage) DetectChallenge(context.Context) (scraper.Challenge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detector != nil {
		return p.detector.Detect("https://e14.example.gov/consulta", p.markup), nil
	}
	if len(p.challenges) == 0 {
		return scraper.Challenge{Kind: scraper.ChallengeNone}, nil
	}
	next := p.challenges[0]
	p.challenges = p.challenges[1:]
	return next, nil
}

func (p *fakePage) RunInvisible(context.Context, scraper.Challenge) error {
	p.mu.Lock()
	p.invisible++
	p.markup += `<input type="hidden" name="g-recaptcha-response" value="inv-token">`
	p.mu.Unlock()
	return nil
}

func (p *fakePage) InjectToken(_ context.Context, _ scraper.Challenge, token string) error {
	p.mu.Lock()
	p.injected = append(p.injected, token)
	p.markup = strings.ReplaceAll(p.markup, `-response"></textarea>`, `-response">`+token+`</textarea>`)
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Results(context.Context) (scraper.PageContent, error) {
	return p.results, p.resultsErr
}

func (p *fakePage) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

type fakeBrowser struct {
	mu      sync.Mutex
	page    *fakePage
	err     error
	proxies []string
}

func (b *fakeBrowser) Open(_ context.Context, proxy string) (scraper.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proxies = append(b.proxies, proxy)
	if b.err != nil {
		return nil, b.err
	}
	return b.page, nil
}

type fakeSolver struct {
	mu       sync.Mutex
	solution scraper.Solution
	err      error
	calls    int
	reported []string
}

func (s *fakeSolver) Solve(context.Context, scraper.Challenge) (scraper.Solution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.solution, s.err
}

func (s *fakeSolver) ReportBad(jobID string) {
	s.mu.Lock()
	s.reported = append(s.reported, jobID)
	s.mu.Unlock()
}

func (s *fakeSolver) stats() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]string(nil), s.reported...)
}

type fakeExtractor struct {
	extraction scraper.Extraction
	err        error
}

func (e *fakeExtractor) Extract(scraper.PageContent) (scraper.Extraction, error) {
	return e.extraction, e.err
}

type fakeFetcher struct {
	mu      sync.Mutex
	doc     scraper.Document
	err     error
	proxies []string
}

func (f *fakeFetcher) Download(_ context.Context, url string, proxy string) (scraper.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxies = append(f.proxies, proxy)
	if f.err != nil {
		return scraper.Document{}, f.err
	}
	doc := f.doc
	doc.URL = url
	return doc, nil
}

type failingStore struct {
	scraper.TaskStore
	claims int
	mu     sync.Mutex
}

func (s *failingStore) Claim(context.Context, string) (scraper.Task, bool, error) {
	s.mu.Lock()
	s.claims++
	s.mu.Unlock()
	return scraper.Task{}, false, errors.New("connection refused")
}

type countingPacer struct {
	mu    sync.Mutex
	calls int
}

func (p *countingPacer) Pause(context.Context) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return nil
}

func (p *countingPacer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
