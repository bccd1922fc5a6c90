package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	chapterLinkRe   = regexp.MustCompile(`/novel/[^/]+/chapter[-_](\d+)`)
	chapterNumberRe = regexp.MustCompile(`(?i)(chapter[-_]?)(\d+)`)
)

// nextLinkTitles are anchor title attributes that mark the next-chapter link.
var nextLinkTitles = []string{
	"next chapter",
	"next",
	"read next chapter",
}

// contentSelectors are tried in order to find the chapter text container.
var contentSelectors = []string{
	"#article",
	".m-read .txt",
	"#chapter-content",
	".chapter-content",
	".txt",
}

// titleSelectors are tried in order before falling back to the page title.
var titleSelectors = []string{
	"h1.chapter-title",
	".chapter-title",
	"h1",
	"span.chapter",
}

// GoqueryExtractor implements Extractor with CSS selectors tuned for novel
// reader sites.
type GoqueryExtractor struct{}

func NewGoquery() *GoqueryExtractor {
	return &GoqueryExtractor{}
}

func (e *GoqueryExtractor) Chapter(body []byte, pageURL string) (Chapter, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Chapter{}, fmt.Errorf("parse chapter page: %w", err)
	}
	return Chapter{
		Title:   e.title(doc, pageURL),
		Text:    e.text(doc),
		NextURL: e.nextURL(doc, pageURL),
	}, nil
}

func (e *GoqueryExtractor) title(doc *goquery.Document, pageURL string) string {
	for _, sel := range titleSelectors {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		// Strip site branding suffixes like "Chapter 12 - SiteName".
		for _, sep := range []string{" - ", " | ", " – "} {
			if idx := strings.Index(t, sep); idx > 0 {
				t = t[:idx]
				break
			}
		}
		return strings.TrimSpace(t)
	}
	if m := chapterNumberRe.FindStringSubmatch(pageURL); m != nil {
		return "Chapter " + m[2]
	}
	return ""
}

func (e *GoqueryExtractor) text(doc *goquery.Document) string {
	container := doc.Selection
	for _, sel := range contentSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			container = found
			break
		}
	}
	var paragraphs []string
	container.Find("p").Each(func(_ int, p *goquery.Selection) {
		if t := strings.TrimSpace(p.Text()); t != "" {
			paragraphs = append(paragraphs, t)
		}
	})
	return strings.Join(paragraphs, "\n\n")
}

// nextURL resolves the next-chapter link: explicit anchors first, then a
// chapter-number increment guessed from the current URL.
func (e *GoqueryExtractor) nextURL(doc *goquery.Document, pageURL string) string {
	var next string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if href == "" || strings.HasPrefix(href, "javascript:") {
			return true
		}
		if rel, _ := a.Attr("rel"); strings.EqualFold(rel, "next") {
			next = href
			return false
		}
		if title, _ := a.Attr("title"); matchesNext(title) {
			next = href
			return false
		}
		if matchesNext(a.Text()) {
			next = href
			return false
		}
		return true
	})
	if next != "" {
		return resolveURL(pageURL, next)
	}
	return GuessNextURL(pageURL)
}

func matchesNext(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return false
	}
	for _, t := range nextLinkTitles {
		if s == t {
			return true
		}
	}
	return strings.HasPrefix(s, "next")
}

func (e *GoqueryExtractor) IndexEntries(body []byte, baseURL string) ([]IndexEntry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse index page: %w", err)
	}

	seen := make(map[int]string)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		m := chapterLinkRe.FindStringSubmatch(href)
		if m == nil {
			return
		}
		index, err := strconv.Atoi(m[1])
		if err != nil {
			return
		}
		if _, ok := seen[index]; !ok {
			seen[index] = resolveURL(baseURL, href)
		}
	})

	entries := make([]IndexEntry, 0, len(seen))
	for index, u := range seen {
		entries = append(entries, IndexEntry{Index: index, URL: u})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return entries, nil
}

func (e *GoqueryExtractor) Metadata(body []byte, baseURL string) Metadata {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Metadata{}
	}
	meta := Metadata{}
	doc.Find("meta[property]").Each(func(_ int, m *goquery.Selection) {
		prop, _ := m.Attr("property")
		content, _ := m.Attr("content")
		if content == "" {
			return
		}
		switch strings.ToLower(prop) {
		case "og:novel:novel_name", "og:novel:title", "og:title":
			if meta.NovelTitle == "" {
				meta.NovelTitle = content
			}
		case "og:novel:author":
			meta.Author = content
		case "og:novel:genre":
			for _, g := range strings.Split(content, ",") {
				if g = strings.TrimSpace(g); g != "" {
					meta.Genres = append(meta.Genres, g)
				}
			}
		case "og:novel:category":
			meta.Language = content
		case "og:novel:status":
			meta.Status = content
		case "og:description":
			meta.Synopsis = content
		case "og:image":
			meta.CoverURL = resolveURL(baseURL, content)
		case "og:novel:read_url":
			meta.FirstChapterURL = resolveURL(baseURL, content)
		}
	})
	if meta.FirstChapterURL == "" {
		meta.FirstChapterURL = e.readFirstLink(doc, baseURL)
	}
	return meta
}

// readFirstLink finds the "read first" anchor some index pages carry instead
// of an og:novel:read_url tag.
func (e *GoqueryExtractor) readFirstLink(doc *goquery.Document, baseURL string) string {
	var href string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := strings.ToLower(a.Text())
		if strings.Contains(text, "read") && strings.Contains(text, "first") {
			href, _ = a.Attr("href")
			return false
		}
		return true
	})
	if href == "" {
		return ""
	}
	return resolveURL(baseURL, href)
}

// GuessNextURL increments the trailing chapter number of a URL, preserving
// any suffix after the number. It returns empty when no number is present.
func GuessNextURL(pageURL string) string {
	m := chapterNumberRe.FindStringSubmatchIndex(pageURL)
	if m == nil {
		return ""
	}
	numStart, numEnd := m[4], m[5]
	n, err := strconv.Atoi(pageURL[numStart:numEnd])
	if err != nil {
		return ""
	}
	return pageURL[:numStart] + strconv.Itoa(n+1) + pageURL[numEnd:]
}

// ChapterIndexFromURL extracts the chapter number embedded in a URL, or -1
// when the URL carries none.
func ChapterIndexFromURL(pageURL string) int {
	m := chapterNumberRe.FindStringSubmatch(pageURL)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return -1
	}
	return n
}

func resolveURL(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}
