package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
)

// Package extract turns one fetched listing page into raw field sets, one per
// directory entry. An empty result is the pagination termination signal, not
// an error.

// Page is one fetched, parsed listing page.
type Page struct {
	URL    string
	Number int
	doc    *goquery.Document
}

// ParsePage builds a Page from raw HTML.
func ParsePage(body []byte, url string, number int) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	return &Page{URL: url, Number: number, doc: doc}, nil
}

const entrySelector = "div.hit"

// Entries extracts one RawFieldSet per listing entry, in document order. The
// pass is eager and not restartable; callers extract once per fetch. A page
// with no parseable document structure is an extraction error, a page with a
// valid document and zero entries is the end of pagination.
func (p *Page) Entries() ([]domain.RawFieldSet, error) {
	if p == nil || p.doc == nil {
		return nil, fmt.Errorf("listing page has no document")
	}
	if p.doc.Find("body").Length() == 0 {
		return nil, fmt.Errorf("listing page %d has no body element", p.Number)
	}

	var out []domain.RawFieldSet
	p.doc.Find(entrySelector).Each(func(_ int, card *goquery.Selection) {
		out = append(out, p.entryFields(card))
	})
	return out, nil
}

func (p *Page) entryFields(card *goquery.Selection) domain.RawFieldSet {
	street, city := addressParts(card.Find("address").First())

	href, _ := card.Find("h2 a.hitlnk_name").First().Attr("href")
	html, err := goquery.OuterHtml(card)
	if err != nil {
		html = ""
	}

	return domain.RawFieldSet{
		Name:         Normalize(card.Find("h2 a.hitlnk_name").First().Text()),
		Subtitle:     Normalize(card.Find("div.subline").First().Text()),
		Category:     Normalize(card.Find("div.category").First().Text()),
		Street:       street,
		City:         city,
		Phone:        Normalize(card.Find("div.phoneblock span").First().Text()),
		OpeningHours: Normalize(card.Find("div.hitlnk_times").First().Text()),
		URL:          strings.TrimSpace(href),
		PageNumber:   p.Number,
		HTML:         html,
	}
}

// addressParts splits an address block into street and city: the first
// non-blank text line is the street, the last one the city when more than one
// line is present.
func addressParts(address *goquery.Selection) (street, city string) {
	if address == nil || address.Length() == 0 {
		return "", ""
	}

	var lines []string
	for _, line := range strings.Split(address.Text(), "\n") {
		if n := Normalize(line); n != "" {
			lines = append(lines, n)
		}
	}
	if len(lines) == 0 {
		return "", ""
	}

	street = lines[0]
	if len(lines) > 1 {
		city = lines[len(lines)-1]
	}
	return street, city
}
