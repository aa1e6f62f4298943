package detector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

const pageURL = "https://portal.example/e14"

func TestHeuristic_Detect_NoWidget(t *testing.T) {
	t.Parallel()

	h := NewHeuristic("")
	ch := h.Detect(pageURL, `<html><body><select id="dept"></select></body></html>`)
	require.Equal(t, scraper.ChallengeNone, ch.Kind)
	require.Equal(t, pageURL, ch.PageURL)
}

func TestHeuristic_Detect_InteractiveRecaptcha(t *testing.T) {
	t.Parallel()

	h := NewHeuristic("")
	ch := h.Detect(pageURL, `<form><div class="g-recaptcha" data-sitekey="6Lc-key" data-callback="onSolved"></div></form>`)
	require.Equal(t, scraper.Challenge{
		Kind:    scraper.ChallengeInteractive,
		Type:    TypeRecaptchaV2,
		SiteKey: "6Lc-key",
		PageURL: pageURL,
		Options: map[string]string{"callback": "onSolved"},
	}, ch)
}

func TestHeuristic_Detect_HCaptcha(t *testing.T) {
	t.Parallel()

	h := NewHeuristic("")
	ch := h.Detect(pageURL, `<div class="h-captcha" data-sitekey="h-key"></div>`)
	require.Equal(t, scraper.ChallengeInteractive, ch.Kind)
	require.Equal(t, TypeHCaptcha, ch.Type)
	require.Equal(t, "h-key", ch.SiteKey)
}

func TestHeuristic_Detect_InvisibleWidget(t *testing.T) {
	t.Parallel()

	h := NewHeuristic("consulta")
	ch := h.Detect(pageURL, `<div class="g-recaptcha" data-size="invisible" data-sitekey="inv-key"></div>`)
	require.Equal(t, scraper.ChallengeInvisible, ch.Kind)
	require.Equal(t, TypeRecaptchaV2, ch.Type)
	require.Equal(t, "inv-key", ch.SiteKey)
	require.Equal(t, "consulta", ch.Options["action"])
}

func TestHeuristic_Detect_ScoreBasedScript(t *testing.T) {
	t.Parallel()

	h := NewHeuristic("")
	html := `<head><script src="https://www.google.com/recaptcha/api.js?render=v3-key"></script></head>`
	ch := h.Detect(pageURL, html)
	require.Equal(t, scraper.ChallengeInvisible, ch.Kind)
	require.Equal(t, TypeRecaptchaV3, ch.Type)
	require.Equal(t, "v3-key", ch.SiteKey)
	require.Equal(t, "submit", ch.Options["action"])
}

func TestHeuristic_Detect_InteractiveWinsOverInvisible(t *testing.T) {
	t.Parallel()

	h := NewHeuristic("")
	html := `<script src="https://www.google.com/recaptcha/api.js?render=explicit"></script>
<div class="g-recaptcha" data-size="invisible" data-sitekey="inv-key"></div>
<div class="g-recaptcha" data-sitekey="v2-key"></div>`
	ch := h.Detect(pageURL, html)
	require.Equal(t, scraper.ChallengeInteractive, ch.Kind)
	require.Equal(t, "v2-key", ch.SiteKey)
}

func TestHeuristic_Detect_MarkerWithoutSiteKey(t *testing.T) {
	t.Parallel()

	h := NewHeuristic("")
	ch := h.Detect(pageURL, `<div class="g-recaptcha"></div>`)
	require.Equal(t, scraper.ChallengeNone, ch.Kind)
}

func TestHeuristic_Detect_AnsweredWidgetsAreCleared(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		html string
	}{
		{
			name: "checkbox with token in textarea",
			html: `<form><div class="g-recaptcha" data-sitekey="6Lc-key">` +
				`<textarea id="g-recaptcha-response" name="g-recaptcha-response">TOKEN</textarea></div></form>`,
		},
		{
			name: "score script with filled hidden input",
			html: `<head><script src="https://www.google.com/recaptcha/api.js?render=v3-key"></script></head>` +
				`<form><input type="hidden" name="g-recaptcha-response" value="TOKEN"></form>`,
		},
		{
			name: "invisible widget with token",
			html: `<div class="g-recaptcha" data-size="invisible" data-sitekey="inv-key">` +
				`<textarea name="g-recaptcha-response" value="TOKEN"></textarea></div>`,
		},
		{
			name: "hcaptcha with token",
			html: `<div class="h-captcha" data-sitekey="h-key">` +
				`<textarea name="h-captcha-response">P1_token</textarea></div>`,
		},
		{
			name: "response field outside the widget",
			html: `<div class="g-recaptcha" data-sitekey="6Lc-key"></div>` +
				`<input type="hidden" name="g-recaptcha-response" value="TOKEN">`,
		},
	}
	h := NewHeuristic("")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ch := h.Detect(pageURL, tt.html)
			require.Equal(t, scraper.ChallengeNone, ch.Kind)
		})
	}
}

func TestHeuristic_Detect_EmptyResponseFieldStillBlocks(t *testing.T) {
	t.Parallel()

	h := NewHeuristic("")
	ch := h.Detect(pageURL, `<div class="g-recaptcha" data-sitekey="6Lc-key">`+
		`<textarea name="g-recaptcha-response">  </textarea></div>`)
	require.Equal(t, scraper.ChallengeInteractive, ch.Kind)

	ch = h.Detect(pageURL, `<script src="https://www.google.com/recaptcha/api.js?render=v3-key"></script>`+
		`<input type="hidden" name="g-recaptcha-response" value="">`)
	require.Equal(t, scraper.ChallengeInvisible, ch.Kind)
}

func TestHeuristic_Detect_AnsweredCheckboxDoesNotClearAnotherKind(t *testing.T) {
	t.Parallel()

	h := NewHeuristic("")
	html := `<div class="g-recaptcha" data-sitekey="6Lc-key">` +
		`<textarea name="g-recaptcha-response">TOKEN</textarea></div>` +
		`<div class="h-captcha" data-sitekey="h-key"></div>`
	ch := h.Detect(pageURL, html)
	require.Equal(t, scraper.ChallengeInteractive, ch.Kind)
	require.Equal(t, TypeHCaptcha, ch.Type)
}
