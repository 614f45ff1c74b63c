// Package discovery finds downloadable images and videos in a gallery page.
package discovery

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/forest6511/mediaq/pkg/config"
	"github.com/forest6511/mediaq/pkg/types"
)

// VideoSelector matches MP4 sources inside video elements.
const VideoSelector = `video source[type="video/mp4"]`

// cleanPattern strips the resize and animation directives CDN image URLs carry.
var cleanPattern = regexp.MustCompile(`/anim=.*?/|,optimized=true|,width=\d+`)

// Rules decide which elements of a page are media to download.
type Rules struct {
	// GallerySelector scopes image discovery. Empty means the whole document.
	GallerySelector string

	// ImageHost keeps only images whose src contains this host. Empty keeps all.
	ImageHost string

	// SkipWebP drops .webp images, which the gallery uses as placeholders.
	SkipWebP bool

	IncludeVideos bool

	// AllowInsecure keeps http:// URLs.
	AllowInsecure bool
}

// RulesFromConfig builds Rules from the discovery config section.
func RulesFromConfig(cfg config.DiscoveryConfig) Rules {
	return Rules{
		GallerySelector: cfg.GallerySelector,
		ImageHost:       cfg.ImageHost,
		SkipWebP:        cfg.SkipWebP,
		IncludeVideos:   cfg.IncludeVideos,
		AllowInsecure:   cfg.AllowInsecure,
	}
}

func (r Rules) imageSelector() string {
	if r.ImageHost == "" {
		return "img[src]"
	}
	return `img[src*="` + r.ImageHost + `"]`
}

// CleanURL removes resize directives and the query string from an image URL.
func CleanURL(raw string) string {
	cleaned := cleanPattern.ReplaceAllString(raw, "/")
	if i := strings.IndexByte(cleaned, '?'); i >= 0 {
		cleaned = cleaned[:i]
	}
	return cleaned
}

// extract applies rules to a parsed document. base resolves relative URLs and may be nil.
func extract(doc *goquery.Selection, base *url.URL, rules Rules) types.Resources {
	var res types.Resources

	gallery := doc
	if rules.GallerySelector != "" {
		gallery = doc.Find(rules.GallerySelector).First()
		if gallery.Length() == 0 {
			log.Warn().Str("selector", rules.GallerySelector).Msg("Gallery not found on page")
		}
	}

	seen := make(map[string]bool)
	gallery.Find(rules.imageSelector()).Each(func(_ int, s *goquery.Selection) {
		u, ok := resolve(base, s.AttrOr("src", ""))
		if !ok {
			return
		}
		u = CleanURL(u)
		if !rules.accept(u) || seen[u] {
			return
		}
		if rules.SkipWebP && strings.EqualFold(path.Ext(u), ".webp") {
			return
		}
		seen[u] = true
		res.Images = append(res.Images, u)
	})

	if rules.IncludeVideos {
		scope := gallery
		if scope.Find(VideoSelector).Length() == 0 {
			scope = doc
		}
		scope.Find(VideoSelector).Each(func(_ int, s *goquery.Selection) {
			u, ok := resolve(base, s.AttrOr("src", ""))
			if !ok || !rules.accept(u) || seen[u] {
				return
			}
			seen[u] = true
			res.Videos = append(res.Videos, u)
		})
	}

	return res
}

func (r Rules) accept(u string) bool {
	if strings.HasPrefix(u, "https://") {
		return true
	}
	return r.AllowInsecure && strings.HasPrefix(u, "http://")
}

func resolve(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	return u.String(), true
}
