// Package headless drives the results portal with headless Chrome.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/e14-scraper/internal/headless/detector"
	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// Selectors locates the portal's query form and result area.
type Selectors struct {
	Department   string `mapstructure:"department"`
	Municipality string `mapstructure:"municipality"`
	Zone         string `mapstructure:"zone"`
	Station      string `mapstructure:"station"`
	Corporation  string `mapstructure:"corporation"`
	Submit       string `mapstructure:"submit"`
	// Results matches once the portal has answered the query, including the not-found banner.
	Results string `mapstructure:"results"`
}

// DefaultSelectors matches the current portal form.
func DefaultSelectors() Selectors {
	return Selectors{
		Department:   "select#departamento",
		Municipality: "select#municipio",
		Zone:         "select#zona",
		Station:      "select#mesa",
		Corporation:  "select#corporacion",
		Submit:       "button#consultar",
		Results:      "table.e14-results, a.e14-document, img.e14-image, .e14-not-found",
	}
}

// Config controls the behavior of the headless browser.
type Config struct {
	PortalURL         string
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ShowBrowser       bool
	ChallengeAction   string
	Selectors         Selectors
}

// Browser implements scraper.Browser. Every Open starts a fresh Chrome process so the proxy
// can differ between attempts.
type Browser struct {
	cfg      Config
	limiter  chan struct{}
	detector *detector.Heuristic
	logger   *zap.Logger
}

// NewChromedp creates a browser backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.PortalURL == "" {
		return nil, errors.New("portal url is required")
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	cfg.Selectors = withDefaults(cfg.Selectors)
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{
		cfg:      cfg,
		limiter:  limiter,
		detector: detector.NewHeuristic(cfg.ChallengeAction),
		logger:   logger,
	}, nil
}

func withDefaults(s Selectors) Selectors {
	def := DefaultSelectors()
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&s.Department, def.Department)
	fill(&s.Municipality, def.Municipality)
	fill(&s.Zone, def.Zone)
	fill(&s.Station, def.Station)
	fill(&s.Corporation, def.Corporation)
	fill(&s.Submit, def.Submit)
	fill(&s.Results, def.Results)
	return s
}

func (b *Browser) allocatorOptions(proxy string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if b.cfg.ShowBrowser {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	return opts
}

// Open starts a browser routed through proxy. ctx bounds the whole session.
func (b *Browser) Open(ctx context.Context, proxy string) (scraper.Page, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.allocatorOptions(proxy)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	p := &page{
		browser: b,
		ctx:     tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}
	if err := chromedp.Run(tabCtx, b.networkSetupAction()); err != nil {
		p.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return p, nil
}

func (b *Browser) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

type page struct {
	browser *Browser
	ctx     context.Context
	cancel  func()
	closed  bool
}

// run executes actions on the tab, bounded by both ctx and the navigation timeout.
func (p *page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, p.browser.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *page) Navigate(ctx context.Context, location scraper.LocationKey) error {
	sel := p.browser.cfg.Selectors
	actions := []chromedp.Action{
		chromedp.Navigate(p.browser.cfg.PortalURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	actions = append(actions, chooseOption(sel.Department, location.Department)...)
	actions = append(actions, chooseOption(sel.Municipality, location.Municipality)...)
	if location.Zone != "" {
		actions = append(actions, chooseOption(sel.Zone, location.Zone)...)
		if location.Station != "" {
			actions = append(actions, chooseOption(sel.Station, location.Station)...)
		}
	}
	actions = append(actions, chooseOption(sel.Corporation, location.Corporation)...)

	if err := p.run(ctx, actions...); err != nil {
		return fmt.Errorf("navigate %s: %w", location, err)
	}
	return nil
}

// chooseOption waits for the option to be populated, selects it and fires the change event
// the portal listens on to load the next dropdown.
func chooseOption(selector, value string) []chromedp.Action {
	return []chromedp.Action{
		chromedp.WaitReady(optionSelector(selector, value), chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
		chromedp.Evaluate(changeScript(selector), nil),
	}
}

func optionSelector(selector, value string) string {
	return fmt.Sprintf(`%s option[value=%q]`, selector, value)
}

func changeScript(selector string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (el) { el.dispatchEvent(new Event("change", { bubbles: true })); }
  return !!el;
})()`, jsString(selector))
}

func (p *page) DetectChallenge(ctx context.Context) (scraper.Challenge, error) {
	var html, location string
	if err := p.run(ctx,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return scraper.Challenge{}, fmt.Errorf("read page for challenge: %w", err)
	}
	return p.browser.detector.Detect(location, html), nil
}

func (p *page) RunInvisible(ctx context.Context, challenge scraper.Challenge) error {
	var token string
	err := p.run(ctx, chromedp.Evaluate(invisibleScript(challenge), &token, awaitPromise))
	if err != nil {
		return fmt.Errorf("execute invisible challenge: %w", err)
	}
	if token == "" {
		return fmt.Errorf("execute invisible challenge: %w", scraper.ErrChallengeUnsolved)
	}
	return nil
}

func (p *page) InjectToken(ctx context.Context, challenge scraper.Challenge, token string) error {
	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(injectScript(challenge, token), &ok)); err != nil {
		return fmt.Errorf("inject token: %w", err)
	}
	if !ok {
		return fmt.Errorf("inject token: response field not found")
	}
	return nil
}

func (p *page) Results(ctx context.Context) (scraper.PageContent, error) {
	sel := p.browser.cfg.Selectors
	var html, location string
	err := p.run(ctx,
		chromedp.Click(sel.Submit, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.WaitReady(sel.Results, chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return scraper.PageContent{}, fmt.Errorf("wait for results: %w", err)
	}
	return scraper.PageContent{URL: location, HTML: html}, nil
}

func (p *page) Close() {
	if p.closed {
		return
	}
	p.closed = true
	if err := chromedp.Cancel(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.browser.logger.Debug("close browser tab", zap.Error(err))
	}
	p.cancel()
	p.browser.release()
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// invisibleScript executes a score-based or invisible widget and stores the token in the
// response field the form submits.
func invisibleScript(ch scraper.Challenge) string {
	action := ch.Options["action"]
	if action == "" {
		action = "submit"
	}
	return fmt.Sprintf(`(async () => {
  if (typeof grecaptcha === "undefined") { return ""; }
  await new Promise((resolve) => grecaptcha.ready(resolve));
  const token = %s === "recaptcha_v3"
    ? await grecaptcha.execute(%s, { action: %s })
    : await grecaptcha.execute();
  let field = document.querySelector('[name="g-recaptcha-response"]');
  if (!field) {
    field = document.createElement("input");
    field.type = "hidden";
    field.name = "g-recaptcha-response";
    (document.querySelector("form") || document.body).appendChild(field);
  }
  field.value = token || "";
  field.setAttribute("value", token || "");
  if (field.tagName === "TEXTAREA") { field.textContent = token || ""; }
  return token || "";
})()`, jsString(ch.Type), jsString(ch.SiteKey), jsString(action))
}

// injectScript writes a solver token into the widget's response fields and fires its callback.
func injectScript(ch scraper.Challenge, token string) string {
	field := "g-recaptcha-response"
	if ch.Type == detector.TypeHCaptcha {
		field = "h-captcha-response"
	}
	return fmt.Sprintf(`(() => {
  const token = %s;
  const fields = document.querySelectorAll('[name=%s], #%s');
  fields.forEach((el) => { el.value = token; el.innerHTML = token; el.setAttribute("value", token); });
  const cb = %s;
  if (cb && typeof window[cb] === "function") { window[cb](token); }
  return fields.length > 0;
})()`, jsString(token), jsString(field), field, jsString(ch.Options["callback"]))
}

func jsString(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}
