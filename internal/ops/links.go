package ops

import (
	"net/url"
	"strings"
)

// Link is one classified page link.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text"`
	Type string `json:"type"` // internal or external
}

// extractLinksScript collects every anchor with visibility information.
// Visibility mirrors what a user can see: a rendered box, not hidden, not
// display:none.
const extractLinksScript = `
(() => {
	return Array.from(document.querySelectorAll('a[href]')).map(a => {
		const rect = a.getBoundingClientRect();
		const style = window.getComputedStyle(a);
		return {
			href: a.getAttribute('href') || '',
			text: (a.textContent || '').trim().slice(0, 200),
			visible: rect.width > 0 && rect.height > 0 &&
				style.visibility !== 'hidden' && style.display !== 'none',
		};
	});
})()
`

// rawLink is the shape the extraction script returns.
type rawLink struct {
	Href    string `json:"href"`
	Text    string `json:"text"`
	Visible bool   `json:"visible"`
}

// normalizeHost lowercases and strips a leading "www." so www.example.com
// and example.com classify the same.
func normalizeHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// classifyLink resolves href against base and decides internal/external.
// Relative and unparseable URLs count as internal.
func classifyLink(base *url.URL, href string) (resolved string, internal bool) {
	u, err := url.Parse(href)
	if err != nil {
		return href, true
	}
	abs := base.ResolveReference(u)
	if abs.Host == "" {
		return abs.String(), true
	}
	return abs.String(), normalizeHost(abs.Host) == normalizeHost(base.Host)
}

// classifyLinks turns raw anchors into the response link list, applying the
// includeExternal and visibleLinksOnly filters, and returns the totals
// before filtering.
func classifyLinks(pageURL string, raws []rawLink, includeExternal, visibleOnly bool) (links []Link, internalCount, externalCount int) {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = &url.URL{}
	}

	links = make([]Link, 0, len(raws))
	for _, raw := range raws {
		if raw.Href == "" {
			continue
		}
		if visibleOnly && !raw.Visible {
			continue
		}

		resolved, internal := classifyLink(base, raw.Href)
		if internal {
			internalCount++
		} else {
			externalCount++
			if !includeExternal {
				continue
			}
		}

		linkType := "external"
		if internal {
			linkType = "internal"
		}
		links = append(links, Link{URL: resolved, Text: raw.Text, Type: linkType})
	}
	return links, internalCount, externalCount
}
