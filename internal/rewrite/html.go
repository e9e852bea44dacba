package rewrite

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// fragment is an HTML body fragment parsed in <body> context.
type fragment struct {
	root *html.Node
	doc  *goquery.Document
}

func parseFragment(body string) (*fragment, error) {
	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(body), root)
	if err != nil {
		return nil, fmt.Errorf("parse body fragment: %w", err)
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return &fragment{root: root, doc: goquery.NewDocumentFromNode(root)}, nil
}

// images returns the <img> selection in document order.
func (f *fragment) images() *goquery.Selection {
	return f.doc.Find("img")
}

// render serializes the fragment's children only, so no wrapper element leaks out.
func (f *fragment) render() (string, error) {
	var buf bytes.Buffer
	for c := f.root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", fmt.Errorf("render body fragment: %w", err)
		}
	}
	return buf.String(), nil
}

// HostMatcher decides which image sources are already served locally.
type HostMatcher struct {
	hosts map[string]struct{}
}

// NewHostMatcher treats every given host (case-insensitive, port ignored) as local.
func NewHostMatcher(hosts ...string) *HostMatcher {
	m := &HostMatcher{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			m.hosts[h] = struct{}{}
		}
	}
	return m
}

// IsLocal reports whether src resolves to a local host.
func (m *HostMatcher) IsLocal(src string) bool {
	u, err := url.Parse(strings.TrimSpace(src))
	if err != nil || u.Host == "" {
		return false
	}
	_, ok := m.hosts[strings.ToLower(u.Hostname())]
	return ok
}

// IsRemote reports whether src is an absolute http(s) URL on a non-local host.
func (m *HostMatcher) IsRemote(src string) bool {
	src = strings.TrimSpace(src)
	lower := strings.ToLower(src)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	return !m.IsLocal(src)
}

// RemoteSources lists distinct remote <img> sources in document order.
func (m *HostMatcher) RemoteSources(body string) ([]string, error) {
	f, err := parseFragment(body)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	f.images().Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if !m.IsRemote(src) {
			return
		}
		if _, dup := seen[src]; dup {
			return
		}
		seen[src] = struct{}{}
		out = append(out, src)
	})
	return out, nil
}

// AltFor returns the alt text of the first <img> in body whose src is src.
func AltFor(body, src string) (string, error) {
	f, err := parseFragment(body)
	if err != nil {
		return "", err
	}
	alt := ""
	f.images().EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.AttrOr("src", "")) != src {
			return true
		}
		alt = s.AttrOr("alt", "")
		return false
	})
	return alt, nil
}

// ReplaceSource points every <img> whose src equals from at to. The body is
// returned unchanged when nothing matched.
func ReplaceSource(body, from, to string) (string, int, error) {
	f, err := parseFragment(body)
	if err != nil {
		return "", 0, err
	}
	n := 0
	f.images().Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.AttrOr("src", "")) == from {
			s.SetAttr("src", to)
			n++
		}
	})
	if n == 0 {
		return body, 0, nil
	}
	out, err := f.render()
	if err != nil {
		return "", 0, err
	}
	return out, n, nil
}
