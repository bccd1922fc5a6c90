package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const chapterPage = `<!DOCTYPE html>
<html>
<head>
  <title>Chapter 12: The Gate - FreeWebNovel</title>
  <meta property="og:novel:novel_name" content="Shadow Ascendant">
  <meta property="og:novel:author" content="A. Writer">
  <meta property="og:image" content="https://cdn.example.com/cover.jpg">
</head>
<body>
  <h1 class="chapter-title">Chapter 12: The Gate</h1>
  <div id="article">
    <p>First paragraph.</p>
    <p>   </p>
    <p>Second paragraph.</p>
  </div>
  <div class="nav">
    <a href="/novel/shadow-ascendant/chapter-11" title="Prev Chapter">Prev</a>
    <a href="/novel/shadow-ascendant/chapter-13" title="Next Chapter">Next</a>
  </div>
</body>
</html>`

func TestChapterExtraction(t *testing.T) {
	t.Parallel()

	e := NewGoquery()
	ch, err := e.Chapter([]byte(chapterPage), "https://freewebnovel.com/novel/shadow-ascendant/chapter-12")
	require.NoError(t, err)
	require.Equal(t, "Chapter 12: The Gate", ch.Title)
	require.Equal(t, "First paragraph.\n\nSecond paragraph.", ch.Text)
	require.Equal(t, "https://freewebnovel.com/novel/shadow-ascendant/chapter-13", ch.NextURL)
	require.False(t, ch.Empty())
}

func TestChapterTitleFallbacks(t *testing.T) {
	t.Parallel()

	e := NewGoquery()

	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "page title stripped of branding",
			html: `<html><head><title>Chapter 3 - SomeSite</title></head><body><p>x</p></body></html>`,
			want: "Chapter 3",
		},
		{
			name: "plain h1",
			html: `<html><body><h1>The Third Trial</h1><p>x</p></body></html>`,
			want: "The Third Trial",
		},
		{
			name: "derived from url",
			html: `<html><body><p>x</p></body></html>`,
			want: "Chapter 7",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ch, err := e.Chapter([]byte(tc.html), "https://freewebnovel.com/novel/x/chapter-7")
			require.NoError(t, err)
			require.Equal(t, tc.want, ch.Title)
		})
	}
}

func TestChapterNextLinkRelAttribute(t *testing.T) {
	t.Parallel()

	html := `<html><body>
	  <div class="txt"><p>Words.</p></div>
	  <a rel="next" href="chapter-8">continue</a>
	</body></html>`

	e := NewGoquery()
	ch, err := e.Chapter([]byte(html), "https://freewebnovel.com/novel/x/chapter-7")
	require.NoError(t, err)
	require.Equal(t, "https://freewebnovel.com/novel/x/chapter-8", ch.NextURL)
}

func TestChapterNextLinkGuessedFromURL(t *testing.T) {
	t.Parallel()

	html := `<html><body><div class="txt"><p>Words.</p></div></body></html>`
	e := NewGoquery()
	ch, err := e.Chapter([]byte(html), "https://freewebnovel.com/novel/x/chapter-7.html")
	require.NoError(t, err)
	require.Equal(t, "https://freewebnovel.com/novel/x/chapter-8.html", ch.NextURL)
}

func TestChapterEmptyContent(t *testing.T) {
	t.Parallel()

	e := NewGoquery()
	ch, err := e.Chapter([]byte(`<html><body><div id="article"></div></body></html>`), "https://x/novel/y/chapter-1")
	require.NoError(t, err)
	require.True(t, ch.Empty())
}

func TestIndexEntries(t *testing.T) {
	t.Parallel()

	html := `<html><body>
	  <a href="/novel/shadow-ascendant/chapter-3">Chapter 3</a>
	  <a href="/novel/shadow-ascendant/chapter-1">Chapter 1</a>
	  <a href="/novel/shadow-ascendant/chapter-1">Chapter 1 duplicate</a>
	  <a href="https://freewebnovel.com/novel/shadow-ascendant/chapter-2">Chapter 2</a>
	  <a href="/about">About</a>
	</body></html>`

	e := NewGoquery()
	entries, err := e.IndexEntries([]byte(html), "https://freewebnovel.com/novel/shadow-ascendant")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, []int{1, 2, 3}, []int{entries[0].Index, entries[1].Index, entries[2].Index})
	require.Equal(t, "https://freewebnovel.com/novel/shadow-ascendant/chapter-1", entries[0].URL)
}

func TestMetadata(t *testing.T) {
	t.Parallel()

	e := NewGoquery()
	meta := e.Metadata([]byte(chapterPage), "https://freewebnovel.com/novel/shadow-ascendant")
	require.Equal(t, "Shadow Ascendant", meta.NovelTitle)
	require.Equal(t, "A. Writer", meta.Author)
	require.Equal(t, "https://cdn.example.com/cover.jpg", meta.CoverURL)
}

func TestMetadataFullTagSet(t *testing.T) {
	t.Parallel()

	html := `<html><head>
	  <meta property="og:novel:novel_name" content="Shadow Ascendant"/>
	  <meta property="og:novel:author" content="A. Writer"/>
	  <meta property="og:novel:genre" content="Action, Fantasy , "/>
	  <meta property="og:novel:category" content="English"/>
	  <meta property="og:novel:status" content="Ongoing"/>
	  <meta property="og:description" content="A cultivator rises."/>
	  <meta property="og:image" content="/images/cover.jpg"/>
	  <meta property="og:novel:read_url" content="/novel/shadow-ascendant/chapter-1"/>
	</head><body></body></html>`

	e := NewGoquery()
	meta := e.Metadata([]byte(html), "https://freewebnovel.com/novel/shadow-ascendant")
	require.Equal(t, []string{"Action", "Fantasy"}, meta.Genres)
	require.Equal(t, "English", meta.Language)
	require.Equal(t, "Ongoing", meta.Status)
	require.Equal(t, "A cultivator rises.", meta.Synopsis)
	require.Equal(t, "https://freewebnovel.com/images/cover.jpg", meta.CoverURL)
	require.Equal(t, "https://freewebnovel.com/novel/shadow-ascendant/chapter-1", meta.FirstChapterURL)
}

func TestMetadataReadFirstAnchorFallback(t *testing.T) {
	t.Parallel()

	html := `<html><body>
	  <a href="/novel/shadow-ascendant/chapter-1">Read First</a>
	</body></html>`

	e := NewGoquery()
	meta := e.Metadata([]byte(html), "https://freewebnovel.com/novel/shadow-ascendant")
	require.Equal(t, "https://freewebnovel.com/novel/shadow-ascendant/chapter-1", meta.FirstChapterURL)
}

func TestGuessNextURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"https://x/novel/y/chapter-41", "https://x/novel/y/chapter-42"},
		{"https://x/novel/y/chapter_9.html", "https://x/novel/y/chapter_10.html"},
		{"https://x/novel/y/", ""},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, GuessNextURL(tc.in), tc.in)
	}
}

func TestChapterIndexFromURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, 41, ChapterIndexFromURL("https://x/novel/y/chapter-41"))
	require.Equal(t, -1, ChapterIndexFromURL("https://x/novel/y/"))
}
