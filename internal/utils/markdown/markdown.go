package markdown

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var (
	mainSelectors = []string{"main", `[role="main"]`, "article", "#content", "#main"}

	noiseSelector = `script, style, noscript, nav, header, footer, aside, form, iframe, svg, button, input, ` +
		`[role="navigation"], [role="banner"], [role="contentinfo"], [aria-modal]`

	// class or id fragments that mark page chrome
	noiseKeywords = []string{
		"cookie", "consent", "banner", "navbar", "nav-", "menu-",
		"pagination", "share", "signup", "signin", "login",
		"advert", "promo", "modal", "popup", "breadcrumb", "sidebar",
	}

	blankRuns = regexp.MustCompile(`\n{3,}`)
	imageRe   = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
	linkLine  = regexp.MustCompile(`^!?\[[^\]]*\]\([^)]+\)$`)
	ctrlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
	invisible = strings.NewReplacer("\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "", "\ufffd", "")
)

// Convert renders the main content of an HTML document as markdown.
func Convert(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	return FromSelection(doc.Selection)
}

// FromSelection renders sel as markdown. sel itself is left untouched.
func FromSelection(sel *goquery.Selection) (string, error) {
	content := mainContent(sel.Clone())
	content.Find(noiseSelector).Remove()
	content.Find("[class], [id]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		marker := strings.ToLower(class + " " + id)
		for _, kw := range noiseKeywords {
			if strings.Contains(marker, kw) {
				s.Remove()
				return
			}
		}
	})

	body, err := content.Html()
	if err != nil {
		return "", err
	}
	out, err := md.NewConverter("", true, nil).ConvertString(body)
	if err != nil {
		return "", err
	}
	return Clean(out), nil
}

func mainContent(root *goquery.Selection) *goquery.Selection {
	for _, s := range mainSelectors {
		if found := root.Find(s); found.Length() > 0 {
			return found.First()
		}
	}
	if body := root.Find("body"); body.Length() > 0 {
		return body.First()
	}
	return root
}

// Clean drops image-only lines and repeated link lines, strips invisible
// characters and collapses blank runs.
func Clean(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	seen := make(map[string]bool)
	for _, l := range lines {
		line := strings.TrimSpace(invisible.Replace(ctrlChars.ReplaceAllString(l, "")))
		if line != "" && strings.TrimSpace(imageRe.ReplaceAllString(line, "")) == "" {
			continue
		}
		if linkLine.MatchString(line) {
			if seen[line] {
				continue
			}
			seen[line] = true
		}
		out = append(out, line)
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(out, "\n"), "\n\n"))
}
