package translate

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	xhtml "golang.org/x/net/html"
)

var (
	mentionPattern = regexp.MustCompile(`nostr:(npub1[02-9ac-hj-np-z]+)`)
	urlPattern     = regexp.MustCompile(`https?://[^\s<>"]+`)

	// a run of linked @handles at the start of a note, the reply-chain
	// addressing Mastodon prepends
	leadingMentionPattern = regexp.MustCompile(`^(?:\[@[^\]]+\]\([^)]*\)[\s,]*)+`)
)

// htmlToText renders an ActivityPub HTML content field as the plain
// markdown-flavoured text nostr clients expect.
func htmlToText(r io.Reader) (string, error) {
	doc, err := xhtml.Parse(r)
	if err != nil {
		return "", err
	}

	var traverse func(n *xhtml.Node) string
	traverse = func(n *xhtml.Node) string {
		var result strings.Builder

		switch n.Type {
		case xhtml.TextNode:
			result.WriteString(n.Data)
		case xhtml.ElementNode:
			switch n.Data {
			case "a":
				var href string
				for _, attr := range n.Attr {
					if attr.Key == "href" {
						href = attr.Val
						break
					}
				}
				result.WriteString("[")
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					result.WriteString(traverse(c))
				}
				result.WriteString(fmt.Sprintf("](%s)", href))
			case "p":
				result.WriteString("\n\n")
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					result.WriteString(traverse(c))
				}
			case "br":
				result.WriteString("\n")
			default:
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					result.WriteString(traverse(c))
				}
			}
		default:
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				result.WriteString(traverse(c))
			}
		}
		return result.String()
	}

	return strings.Trim(traverse(doc), "\n"), nil
}

// textToHTML renders nostr note text as the HTML ActivityPub servers
// expect in a content field.
func textToHTML(text string) string {
	extensions := parser.CommonExtensions | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse([]byte(text))

	htmlFlags := html.CommonFlags | html.SkipHTML
	opts := html.RendererOptions{Flags: htmlFlags}
	renderer := html.NewRenderer(opts)

	return strings.Trim(string(markdown.Render(doc, renderer)), "\n")
}

// stripLeadingMentions removes the linked @handle run Mastodon prepends
// to replies; the addressing survives as p tags.
func stripLeadingMentions(text string) string {
	return strings.TrimLeft(leadingMentionPattern.ReplaceAllString(text, ""), " \n")
}
