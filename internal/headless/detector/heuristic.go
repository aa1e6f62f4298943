// Package detector classifies the verification widget, if any, on a rendered portal page.
package detector

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// Challenge types understood by the solver provider.
const (
	TypeRecaptchaV2 = "recaptcha_v2"
	TypeRecaptchaV3 = "recaptcha_v3"
	TypeHCaptcha    = "hcaptcha"
)

// Heuristic implements a handful of rule-based checks over page markup.
type Heuristic struct {
	// Action is passed to score-based widgets when they are executed in page.
	Action string
}

// NewHeuristic creates a new detector.
func NewHeuristic(action string) *Heuristic {
	if action == "" {
		action = "submit"
	}
	return &Heuristic{Action: action}
}

// Response fields the widgets fill with the token once they are passed.
const (
	recaptchaResponse = "g-recaptcha-response"
	hcaptchaResponse  = "h-captcha-response"
)

var markers = [][]byte{
	[]byte("g-recaptcha"),
	[]byte("recaptcha/api.js"),
	[]byte("h-captcha"),
}

// Detect returns the challenge blocking pageURL. Interactive widgets win over invisible ones
// because an interactive widget cannot be passed without a token. A widget whose response
// field already holds a token no longer blocks the page.
func (h *Heuristic) Detect(pageURL, html string) scraper.Challenge {
	none := scraper.Challenge{Kind: scraper.ChallengeNone, PageURL: pageURL}
	if !hasMarker([]byte(html)) {
		return none
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return none
	}

	if ch, ok := h.interactive(doc, pageURL); ok {
		return ch
	}
	if ch, ok := h.invisible(doc, pageURL); ok {
		return ch
	}
	return none
}

func (h *Heuristic) interactive(doc *goquery.Document, pageURL string) (scraper.Challenge, bool) {
	var out scraper.Challenge
	found := false
	doc.Find(".g-recaptcha[data-sitekey], .h-captcha[data-sitekey]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if size, _ := s.Attr("data-size"); size == "invisible" {
			return true
		}
		typ, field := TypeRecaptchaV2, recaptchaResponse
		if s.HasClass("h-captcha") {
			typ, field = TypeHCaptcha, hcaptchaResponse
		}
		if answered(doc, s, field) {
			return true
		}
		key, _ := s.Attr("data-sitekey")
		out = scraper.Challenge{
			Kind:    scraper.ChallengeInteractive,
			Type:    typ,
			SiteKey: strings.TrimSpace(key),
			PageURL: pageURL,
			Options: callbackOption(s),
		}
		found = out.SiteKey != ""
		return !found
	})
	return out, found
}

func (h *Heuristic) invisible(doc *goquery.Document, pageURL string) (scraper.Challenge, bool) {
	if answered(doc, doc.Selection, recaptchaResponse) {
		return scraper.Challenge{}, false
	}
	if s := doc.Find(`.g-recaptcha[data-size="invisible"][data-sitekey]`).First(); s.Length() > 0 {
		key, _ := s.Attr("data-sitekey")
		opts := callbackOption(s)
		if opts == nil {
			opts = map[string]string{}
		}
		opts["action"] = h.Action
		return scraper.Challenge{
			Kind:    scraper.ChallengeInvisible,
			Type:    TypeRecaptchaV2,
			SiteKey: strings.TrimSpace(key),
			PageURL: pageURL,
			Options: opts,
		}, true
	}

	var key string
	doc.Find(`script[src*="recaptcha/api.js"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		u, err := url.Parse(src)
		if err != nil {
			return true
		}
		if render := u.Query().Get("render"); render != "" && render != "explicit" {
			key = render
			return false
		}
		return true
	})
	if key == "" {
		return scraper.Challenge{}, false
	}
	return scraper.Challenge{
		Kind:    scraper.ChallengeInvisible,
		Type:    TypeRecaptchaV3,
		SiteKey: key,
		PageURL: pageURL,
		Options: map[string]string{"action": h.Action},
	}, true
}

// answered reports whether the response field belonging to widget carries a token. Fields
// rendered inside the widget take precedence; otherwise any field of that name on the page
// counts.
func answered(doc *goquery.Document, widget *goquery.Selection, field string) bool {
	sel := `[name="` + field + `"]`
	fields := widget.Find(sel)
	if fields.Length() == 0 {
		fields = doc.Find(sel)
	}
	filled := false
	fields.EachWithBreak(func(_ int, f *goquery.Selection) bool {
		value, _ := f.Attr("value")
		if strings.TrimSpace(value) == "" {
			value = f.Text()
		}
		filled = strings.TrimSpace(value) != ""
		return !filled
	})
	return filled
}

func callbackOption(s *goquery.Selection) map[string]string {
	if cb, ok := s.Attr("data-callback"); ok && cb != "" {
		return map[string]string{"callback": cb}
	}
	return nil
}

func hasMarker(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, marker := range markers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}
