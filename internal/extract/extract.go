// Package extract parses chapter pages and novel index pages into structured
// content.
package extract

import "strings"

// Chapter is the structured content of one chapter page.
type Chapter struct {
	Title   string
	Text    string
	NextURL string
}

// Empty reports whether no usable text was extracted.
func (c Chapter) Empty() bool {
	return strings.TrimSpace(c.Text) == ""
}

// IndexEntry is one chapter link discovered on a novel index page.
type IndexEntry struct {
	Index int
	URL   string
}

// Metadata is the novel-level information a page advertises about itself.
type Metadata struct {
	NovelTitle      string
	Author          string
	Genres          []string
	Language        string
	Status          string
	Synopsis        string
	CoverURL        string
	FirstChapterURL string
}

// Extractor turns fetched HTML into domain objects.
type Extractor interface {
	// Chapter parses a chapter page. pageURL anchors relative links and
	// feeds the next-link fallback chain.
	Chapter(body []byte, pageURL string) (Chapter, error)
	// IndexEntries parses a novel index page into deduplicated chapter
	// links sorted by chapter number.
	IndexEntries(body []byte, baseURL string) ([]IndexEntry, error)
	// Metadata reads novel-level metadata from any page of the novel.
	// baseURL anchors relative cover and first-chapter links.
	Metadata(body []byte, baseURL string) Metadata
}
