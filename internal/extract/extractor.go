// Package extract pulls the raw vote table and document reference out of a rendered result page.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// Config holds the CSS selectors for the portal's result markup.
type Config struct {
	TableSelector    string `mapstructure:"table_selector"`
	DocumentSelector string `mapstructure:"document_selector"`
	FieldSelector    string `mapstructure:"field_selector"`
	NotFoundSelector string `mapstructure:"not_found_selector"`
}

// DefaultConfig matches the current portal markup.
func DefaultConfig() Config {
	return Config{
		TableSelector:    "table.e14-results",
		DocumentSelector: "a.e14-document, img.e14-image",
		FieldSelector:    "[data-field]",
		NotFoundSelector: ".e14-not-found",
	}
}

// Extractor implements scraper.Extractor with goquery.
type Extractor struct {
	cfg Config
}

// New returns an Extractor; empty selectors fall back to DefaultConfig.
func New(cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.TableSelector == "" {
		cfg.TableSelector = def.TableSelector
	}
	if cfg.DocumentSelector == "" {
		cfg.DocumentSelector = def.DocumentSelector
	}
	if cfg.FieldSelector == "" {
		cfg.FieldSelector = def.FieldSelector
	}
	if cfg.NotFoundSelector == "" {
		cfg.NotFoundSelector = def.NotFoundSelector
	}
	return &Extractor{cfg: cfg}
}

// Extract parses content. A missing document reference is ErrMarkupMissing; a not-found
// banner is ErrLocationNotFound.
func (e *Extractor) Extract(content scraper.PageContent) (scraper.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content.HTML))
	if err != nil {
		return scraper.Extraction{}, fmt.Errorf("parse html: %w", err)
	}
	if doc.Find(e.cfg.NotFoundSelector).Length() > 0 {
		return scraper.Extraction{}, scraper.ErrLocationNotFound
	}

	ref, ok := e.documentRef(doc)
	if !ok {
		return scraper.Extraction{}, fmt.Errorf("%w: %s", scraper.ErrMarkupMissing, e.cfg.DocumentSelector)
	}
	docURL, err := resolve(content.URL, ref)
	if err != nil {
		return scraper.Extraction{}, err
	}

	return scraper.Extraction{
		DocumentURL: docURL,
		Rows:        e.rows(doc),
		Fields:      e.fields(doc),
	}, nil
}

func (e *Extractor) documentRef(doc *goquery.Document) (string, bool) {
	var ref string
	doc.Find(e.cfg.DocumentSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, attr := range []string{"href", "src", "data-src"} {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				ref = strings.TrimSpace(v)
				return false
			}
		}
		return true
	})
	return ref, ref != ""
}

func (e *Extractor) rows(doc *goquery.Document) [][]string {
	var rows [][]string
	doc.Find(e.cfg.TableSelector).First().Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, normalizeSpace(cell.Text()))
		})
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	})
	return rows
}

func (e *Extractor) fields(doc *goquery.Document) map[string]string {
	fields := map[string]string{}
	doc.Find(e.cfg.FieldSelector).Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("data-field")
		if name == "" {
			return
		}
		fields[name] = normalizeSpace(s.Text())
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func resolve(base, ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse document reference: %w", err)
	}
	if base == "" || refURL.IsAbs() {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
