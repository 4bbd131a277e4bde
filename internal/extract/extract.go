package extract

import (
    "bytes"
    "strings"

    "github.com/PuerkitoBio/goquery"
    "golang.org/x/net/html"
    "golang.org/x/text/language"
)

// PageContent is the readable content of one fetched page.
type PageContent struct {
    URL       string `json:"url"`
    Title     string `json:"title"`
    Text      string `json:"text"`
    // Language is the base language subtag from the document, or "und".
    Language  string `json:"language"`
    WordCount int    `json:"word_count"`
}

// Elements dropped before text is collected.
const noiseSelector = "script, style, noscript, template, iframe, nav, footer, aside, form"

var consentMarkers = []string{"cookie", "consent", "gdpr"}

// FromHTML extracts readable text from HTML. The content root is the first
// <main>, then <article>, then <body>. Headings, paragraphs, list items and
// pre/code blocks keep their line structure.
func FromHTML(pageURL string, input []byte) PageContent {
    doc, err := goquery.NewDocumentFromReader(bytes.NewReader(input))
    if err != nil {
        return PageContent{URL: pageURL, Language: language.Und.String()}
    }
    title := strings.Join(strings.Fields(doc.Find("head title").First().Text()), " ")
    lang := pageLanguage(doc)

    root := contentRoot(doc)
    root.Find(noiseSelector).Remove()
    root.Find("*").FilterFunction(func(_ int, s *goquery.Selection) bool {
        return looksLikeConsentBanner(s.Nodes[0])
    }).Remove()

    var b strings.Builder
    for _, n := range root.Nodes {
        render(&b, n, false)
    }
    text := tidy(b.String())
    return PageContent{
        URL:       pageURL,
        Title:     title,
        Text:      text,
        Language:  lang,
        WordCount: len(strings.Fields(text)),
    }
}

func contentRoot(doc *goquery.Document) *goquery.Selection {
    for _, sel := range []string{"main", "article", "body"} {
        if s := doc.Find(sel).First(); s.Length() > 0 {
            return s
        }
    }
    return doc.Selection
}

// pageLanguage reads <html lang>, then xml:lang, then a Content-Language
// meta tag.
func pageLanguage(doc *goquery.Document) string {
    root := doc.Find("html").First()
    candidates := []string{root.AttrOr("lang", ""), root.AttrOr("xml:lang", "")}
    doc.Find("head meta").Each(func(_ int, s *goquery.Selection) {
        if strings.EqualFold(s.AttrOr("http-equiv", ""), "content-language") {
            candidates = append(candidates, s.AttrOr("content", ""))
        }
    })
    for _, raw := range candidates {
        // Content-Language may list several tags.
        first, _, _ := strings.Cut(raw, ",")
        first = strings.TrimSpace(first)
        if first == "" {
            continue
        }
        tag, err := language.Parse(first)
        if err != nil {
            continue
        }
        if base, conf := tag.Base(); conf != language.No {
            return base.String()
        }
    }
    return language.Und.String()
}

func looksLikeConsentBanner(n *html.Node) bool {
    for _, a := range n.Attr {
        key := strings.ToLower(a.Key)
        switch {
        case key == "id", key == "class", key == "role", key == "aria-label", strings.HasPrefix(key, "data-"):
        default:
            continue
        }
        val := strings.ToLower(a.Val)
        for _, m := range consentMarkers {
            if strings.Contains(val, m) {
                return true
            }
        }
    }
    return false
}

// separators written before and after block elements.
var separators = map[string][2]string{
    "p":    {"\n", "\n\n"},
    "h1":   {"\n", "\n\n"},
    "h2":   {"\n", "\n\n"},
    "h3":   {"\n", "\n\n"},
    "h4":   {"\n", "\n\n"},
    "h5":   {"\n", "\n\n"},
    "h6":   {"\n", "\n\n"},
    "li":   {"\n", "\n"},
    "ul":   {"\n", ""},
    "ol":   {"\n", ""},
    "br":   {"\n", ""},
    "hr":   {"\n", ""},
    "tr":   {"\n", "\n"},
    "pre":  {"", "\n"},
    "code": {"", "\n"},
}

func render(b *strings.Builder, n *html.Node, verbatim bool) {
    switch n.Type {
    case html.TextNode:
        if verbatim {
            b.WriteString(n.Data)
        } else {
            b.WriteString(strings.NewReplacer("\t", " ", "\r", " ").Replace(n.Data))
        }
        return
    case html.ElementNode:
    default:
        for c := n.FirstChild; c != nil; c = c.NextSibling {
            render(b, c, verbatim)
        }
        return
    }
    name := strings.ToLower(n.Data)
    sep := separators[name]
    if name == "pre" || name == "code" {
        verbatim = true
    }
    b.WriteString(sep[0])
    for c := n.FirstChild; c != nil; c = c.NextSibling {
        render(b, c, verbatim)
    }
    b.WriteString(sep[1])
}

// tidy collapses runs of whitespace inside lines and keeps at most one blank
// line between blocks.
func tidy(s string) string {
    var out []string
    blank := false
    for _, line := range strings.Split(s, "\n") {
        line = strings.Join(strings.Fields(line), " ")
        if line == "" {
            blank = len(out) > 0
            continue
        }
        if blank {
            out = append(out, "")
            blank = false
        }
        out = append(out, line)
    }
    return strings.Join(out, "\n")
}
