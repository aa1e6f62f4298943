package headless

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/e14-scraper/internal/headless/detector"
	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{}, nil)
	require.Error(t, err)
	_, err = NewChromedp(Config{PortalURL: "https://portal.example", MaxParallel: -1}, nil)
	require.Error(t, err)

	b, err := NewChromedp(Config{PortalURL: "https://portal.example", MaxParallel: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, cap(b.limiter))
	require.Equal(t, 45*time.Second, b.cfg.NavigationTimeout)
	require.Equal(t, DefaultSelectors(), b.cfg.Selectors)
}

func TestSelectorOverridesKeepDefaults(t *testing.T) {
	t.Parallel()

	got := withDefaults(Selectors{Department: "#dep", Results: "#out"})
	require.Equal(t, "#dep", got.Department)
	require.Equal(t, "#out", got.Results)
	require.Equal(t, DefaultSelectors().Submit, got.Submit)
}

func TestAllocatorOptionsAddProxy(t *testing.T) {
	t.Parallel()

	b, err := NewChromedp(Config{PortalURL: "https://portal.example"}, nil)
	require.NoError(t, err)
	direct := b.allocatorOptions("")
	proxied := b.allocatorOptions("http://10.0.0.1:3128")
	require.Len(t, proxied, len(direct)+1)
}

func TestOptionSelector(t *testing.T) {
	t.Parallel()

	require.Equal(t, `select#zona option[value="01"]`, optionSelector("select#zona", "01"))
}

func TestScriptsEscapeValues(t *testing.T) {
	t.Parallel()

	ch := scraper.Challenge{
		Kind:    scraper.ChallengeInvisible,
		Type:    detector.TypeRecaptchaV3,
		SiteKey: `key"with'quotes`,
		Options: map[string]string{"action": "consulta"},
	}
	script := invisibleScript(ch)
	require.Contains(t, script, `"key\"with'quotes"`)
	require.Contains(t, script, `"consulta"`)

	inject := injectScript(scraper.Challenge{Type: detector.TypeHCaptcha, Options: map[string]string{"callback": "done"}}, "tok</script>")
	require.Contains(t, inject, "h-captcha-response")
	require.Contains(t, inject, `"done"`)
	require.False(t, strings.Contains(inject, "tok</script>"), "token must be JSON-escaped")

	require.Contains(t, changeScript(`select[name="x"]`), `"select[name=\"x\"]"`)
}

func TestScriptsMirrorTokenIntoMarkup(t *testing.T) {
	t.Parallel()

	// The detector reads serialized HTML, which only reflects attributes and text.
	invisible := invisibleScript(scraper.Challenge{Type: detector.TypeRecaptchaV3, SiteKey: "k"})
	require.Contains(t, invisible, `field.setAttribute("value", token || "")`)
	require.Contains(t, invisible, `field.textContent = token || ""`)

	inject := injectScript(scraper.Challenge{Type: detector.TypeRecaptchaV2}, "tok")
	require.Contains(t, inject, `el.setAttribute("value", token)`)
	require.Contains(t, inject, `el.innerHTML = token`)
}

func TestPageCloseReleasesSlotOnce(t *testing.T) {
	t.Parallel()

	b, err := NewChromedp(Config{PortalURL: "https://portal.example", MaxParallel: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, b.acquire(context.Background()))

	canceled := 0
	p := &page{browser: b, ctx: context.Background(), cancel: func() { canceled++ }}
	p.Close()
	p.Close()
	require.Equal(t, 1, canceled)
	require.Empty(t, b.limiter)
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	b, err := NewChromedp(Config{PortalURL: "https://portal.example", MaxParallel: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, b.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.acquire(ctx), context.DeadlineExceeded)
}
