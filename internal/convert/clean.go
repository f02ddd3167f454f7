package convert

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const svgNamespace = "http://www.w3.org/2000/svg"

// dropped elements are removed together with their contents.
var dropped = map[string]bool{
	"script":   true,
	"noscript": true,
	"iframe":   true,
	"object":   true,
	"embed":    true,
	"form":     true,
	"input":    true,
	"button":   true,
	"textarea": true,
	"select":   true,
	"link":     true,
	"meta":     true,
	"template": true,
}

// Clean parses a scraped statement and returns a standalone UTF-8 document:
// active content is removed, relative links are resolved against baseURI,
// and SVG drawings without a size or without content are dropped. With
// renderSVG, every remaining drawing becomes an <img> holding the SVG as a
// data URI, which tools that ignore inline SVG can still display.
func Clean(src, baseURI string, renderSVG bool) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var base *url.URL
	if baseURI != "" {
		if u, err := url.Parse(baseURI); err == nil && u.IsAbs() {
			base = u
		}
	}

	c := &cleaner{base: base, renderSVG: renderSVG}
	if err := c.walk(doc); err != nil {
		return "", err
	}
	addCharset(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

type cleaner struct {
	base      *url.URL
	renderSVG bool
}

func (c *cleaner) walk(n *html.Node) error {
	for child := n.FirstChild; child != nil; {
		next := child.NextSibling
		if child.Type == html.ElementNode {
			switch {
			case dropped[child.Data]:
				n.RemoveChild(child)
			case child.Data == "svg":
				if err := c.svg(n, child); err != nil {
					return err
				}
			default:
				c.attrs(child)
				if err := c.walk(child); err != nil {
					return err
				}
			}
		} else if child.Type == html.CommentNode {
			n.RemoveChild(child)
		} else if err := c.walk(child); err != nil {
			return err
		}
		child = next
	}
	return nil
}

func (c *cleaner) attrs(n *html.Node) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		if strings.HasPrefix(key, "on") {
			continue
		}
		if key == "href" || key == "src" {
			v, ok := c.resolve(a.Val)
			if !ok {
				continue
			}
			a.Val = v
		}
		kept = append(kept, a)
	}
	n.Attr = kept
}

// resolve makes a link absolute. It reports false for links that must not survive.
func (c *cleaner) resolve(v string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(v))
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "javascript", "vbscript":
		return "", false
	case "data", "http", "https", "mailto":
		return v, true
	}
	if c.base == nil || strings.HasPrefix(v, "#") {
		return v, true
	}
	return c.base.ResolveReference(u).String(), true
}

func (c *cleaner) svg(parent, n *html.Node) error {
	if attr(n, "width") == "" || attr(n, "height") == "" || !hasElementChild(n) {
		parent.RemoveChild(n)
		return nil
	}
	c.attrs(n)
	if err := c.walk(n); err != nil {
		return err
	}
	if !c.renderSVG {
		return nil
	}

	if !hasXMLNS(n) {
		n.Attr = append(n.Attr, html.Attribute{Key: "xmlns", Val: svgNamespace})
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return fmt.Errorf("render svg: %w", err)
	}

	img := &html.Node{
		Type:     html.ElementNode,
		Data:     "img",
		DataAtom: atom.Img,
		Attr: []html.Attribute{
			{Key: "alt", Val: "Converted image"},
			{Key: "src", Val: "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())},
		},
	}
	if style := attr(n, "style"); style != "" {
		img.Attr = append(img.Attr, html.Attribute{Key: "style", Val: style})
	}
	if parent.Type == html.ElementNode && parent.Data == "span" {
		removeAttr(parent, "style")
	}
	parent.InsertBefore(img, n)
	parent.RemoveChild(n)
	return nil
}

// addCharset declares UTF-8 at the top of <head> so converters reading the
// file from disk do not guess the encoding.
func addCharset(doc *html.Node) {
	head := find(doc, atom.Head)
	if head == nil {
		return
	}
	meta := &html.Node{
		Type:     html.ElementNode,
		Data:     "meta",
		DataAtom: atom.Meta,
		Attr:     []html.Attribute{{Key: "charset", Val: "utf-8"}},
	}
	head.InsertBefore(meta, head.FirstChild)
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, a); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func removeAttr(n *html.Node, key string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}

func hasXMLNS(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == "xmlns" {
			return true
		}
	}
	return false
}

func hasElementChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return true
		}
	}
	return false
}
