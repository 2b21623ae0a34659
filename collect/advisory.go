package collect

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"

	"github.com/nevindra/agos"
)

// RSSAdvisorySource reads advisories from an RSS 2.0 feed.
type RSSAdvisorySource struct {
	URL    string
	Client *http.Client
}

type rssFeed struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	Link        string `xml:"link"`
}

func (s *RSSAdvisorySource) Advisories(ctx context.Context) ([]AdvisoryDoc, error) {
	body, err := fetchRaw(ctx, s.Client, "advisory_rss", s.URL)
	if err != nil {
		return nil, err
	}
	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, &agos.ErrCollect{Source: "advisory_rss", Message: "decode: " + err.Error()}
	}
	docs := make([]AdvisoryDoc, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		docs = append(docs, AdvisoryDoc{
			Title: strings.TrimSpace(item.Title),
			Text:  strings.TrimSpace(item.Title + "\n" + item.Description),
			Link:  item.Link,
		})
	}
	return docs, nil
}

// PageAdvisorySource reads one advisory from an HTML page, extracting
// the readable article text.
type PageAdvisorySource struct {
	URL    string
	Client *http.Client
}

func (s *PageAdvisorySource) Advisories(ctx context.Context) ([]AdvisoryDoc, error) {
	body, err := fetchRaw(ctx, s.Client, "advisory_page", s.URL)
	if err != nil {
		return nil, err
	}
	parsed, _ := url.Parse(s.URL)
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil || article.TextContent == "" {
		return nil, &agos.ErrCollect{Source: "advisory_page", Message: "no readable content"}
	}
	return []AdvisoryDoc{{
		Title: article.Title,
		Text:  strings.TrimSpace(article.TextContent),
		Link:  s.URL,
	}}, nil
}

// PDFBulletinSource reads advisories from PDF bulletins dropped into a
// local directory.
type PDFBulletinSource struct {
	Dir string
}

func (s *PDFBulletinSource) Advisories(ctx context.Context) ([]AdvisoryDoc, error) {
	paths, err := filepath.Glob(filepath.Join(s.Dir, "*.pdf"))
	if err != nil {
		return nil, &agos.ErrCollect{Source: "advisory_pdf", Message: err.Error()}
	}
	sort.Strings(paths)
	var docs []AdvisoryDoc
	for _, p := range paths {
		if ctx.Err() != nil {
			return docs, ctx.Err()
		}
		text, err := extractPDFText(p)
		if err != nil || text == "" {
			continue
		}
		docs = append(docs, AdvisoryDoc{
			Title: strings.TrimSuffix(filepath.Base(p), ".pdf"),
			Text:  text,
			Link:  p,
		})
	}
	return docs, nil
}

func extractPDFText(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(strings.TrimSpace(pageText))
	}
	return strings.TrimSpace(text.String()), nil
}

// fetchRaw downloads a URL body with the shared limits and headers.
func fetchRaw(ctx context.Context, client *http.Client, source, rawURL string) ([]byte, error) {
	if client == nil {
		client = defaultClient
	}
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, &agos.ErrCollect{Source: source, Message: "invalid URL: " + err.Error()}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; AgosBot/1.0)")
	resp, err := client.Do(req)
	if err != nil {
		return nil, &agos.ErrCollect{Source: source, Message: "fetch: " + err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &agos.ErrCollect{Source: source,
			Message: "http " + resp.Status + " from " + rawURL}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return nil, &agos.ErrCollect{Source: source, Message: "read: " + err.Error()}
	}
	return body, nil
}

// --- rule-based advisory parsing (LLM fallback) ---

var (
	colorRe = regexp.MustCompile(`(?i)\b(red|orange|yellow)\b`)
	typeRes = []struct {
		re  *regexp.Regexp
		typ string
	}{
		{regexp.MustCompile(`(?i)thunderstorm|kulog|kidlat`), "thunderstorm"},
		{regexp.MustCompile(`(?i)rainfall|ulan|rain`), "rainfall"},
		{regexp.MustCompile(`(?i)flood|baha`), "flood"},
	}
)

// parseAdvisoryRules is the deterministic fallback parser: color from a
// keyword match, type from keyword vote order, affected areas from
// substring matches against the known areas.
func parseAdvisoryRules(text string, knownAreas []string) agos.Advisory {
	adv := agos.Advisory{Type: "general"}
	if m := colorRe.FindString(text); m != "" {
		adv.WarningColor = strings.ToLower(m)
	}
	for _, tr := range typeRes {
		if tr.re.MatchString(text) {
			adv.Type = tr.typ
			break
		}
	}
	lower := strings.ToLower(text)
	for _, area := range knownAreas {
		if strings.Contains(lower, strings.ToLower(area)) {
			adv.AffectedAreas = append(adv.AffectedAreas, area)
		}
	}
	adv.Summary = firstSentence(text)
	return adv
}

func firstSentence(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if i := strings.IndexByte(text, '.'); i > 0 && i < 200 {
		return text[:i+1]
	}
	if len(text) > 200 {
		return text[:200]
	}
	return text
}

// --- advisory dedupe ring ---

// dedupeRing remembers the MD5 of up to max previously seen advisory
// texts, evicting oldest first.
type dedupeRing struct {
	max  int
	keys []string
	set  map[string]struct{}
}

func newDedupeRing(size int) *dedupeRing {
	return &dedupeRing{max: size, set: make(map[string]struct{})}
}

// seen records the text and reports whether it was already present.
func (r *dedupeRing) seen(text string) bool {
	sum := md5.Sum([]byte(strings.TrimSpace(text)))
	key := hex.EncodeToString(sum[:])
	if _, ok := r.set[key]; ok {
		return true
	}
	r.set[key] = struct{}{}
	r.keys = append(r.keys, key)
	if len(r.keys) > r.max {
		delete(r.set, r.keys[0])
		r.keys = r.keys[1:]
	}
	return false
}
