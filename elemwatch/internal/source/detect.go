package source

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// NeedsRender guesses whether a fetched page is an empty shell filled by
// scripts: little visible text, or an empty mount point such as
// <div id="root"></div>.
func NeedsRender(page string) bool {
	if len(page) < 256 {
		return true
	}
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return true
	}

	text, shell := 0, false
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			for _, r := range n.Data {
				if !unicode.IsSpace(r) {
					text++
				}
			}
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "template":
				return
			case "noscript":
				if strings.Contains(strings.ToLower(renderText(n)), "javascript") {
					shell = true
				}
				return
			case "div":
				if n.FirstChild == nil && isMountPoint(n) {
					shell = true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if shell || text < 200 {
		return true
	}
	return float64(text)/float64(len(page)) < 0.10
}

func isMountPoint(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "id" {
			switch a.Val {
			case "root", "app", "__next", "__nuxt":
				return true
			}
		}
	}
	return false
}

func renderText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}
