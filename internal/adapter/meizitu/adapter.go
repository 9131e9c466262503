// Package meizitu extracts images, album links, and pagination from the
// listing and album pages of the target gallery site.
package meizitu

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
)

// Selectors for the fixed page layout.
const (
	imageSelector      = "#maincontent #picture p img[src]"
	albumSelector      = ".wp-item .con .pic a[href]"
	paginationSelector = "#wp_page_numbers ul li a[href]"
	currentPageClass   = ".thisclass"
)

const (
	defaultBaseURL     = "http://www.meizitu.com"
	defaultListingPath = "/a/"
)

// Config locates the site that relative links are resolved against.
type Config struct {
	BaseURL     string
	ListingPath string
}

// Adapter implements crawler.PageAdapter.
type Adapter struct {
	baseURL     string
	listingPath string
}

// New returns an Adapter, filling unset fields with the site defaults.
func New(cfg Config) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	listing := strings.TrimSpace(cfg.ListingPath)
	if listing == "" {
		listing = defaultListingPath
	}
	if !strings.HasPrefix(listing, "/") {
		listing = "/" + listing
	}
	if !strings.HasSuffix(listing, "/") {
		listing += "/"
	}
	return &Adapter{baseURL: base, listingPath: listing}
}

// Extract pulls image sources, album links, pagination links, and the current
// page number from page. It never fails; a page without a document yields an
// empty Extraction.
func (a *Adapter) Extract(page crawler.FetchedPage) crawler.Extraction {
	var out crawler.Extraction
	if page.Doc == nil {
		return out
	}
	doc := page.Doc

	for _, src := range attrs(doc.Find(imageSelector), "src") {
		out.Images = append(out.Images, a.Normalize(src))
	}
	for _, href := range attrs(doc.Find(albumSelector), "href") {
		out.Albums = append(out.Albums, a.Normalize(href))
	}
	out.PaginationLinks = attrs(doc.Find(paginationSelector), "href")

	current := strings.TrimSpace(doc.Find(currentPageClass).First().Text())
	if n, err := strconv.Atoi(current); err == nil {
		out.CurrentPage = n
		out.HasCurrentPage = true
	}
	return out
}

// Normalize turns a link found on the site into an absolute URL.
// "/a/list_1_3.html" and "list_1_3.html" both become <base>/a/list_1_3.html.
func (a *Adapter) Normalize(link string) string {
	link = strings.TrimSpace(link)
	switch {
	case link == "":
		return ""
	case strings.HasPrefix(link, "http://"), strings.HasPrefix(link, "https://"):
		return link
	case strings.HasPrefix(link, "//"):
		return "http:" + link
	case strings.HasPrefix(link, "/"):
		return a.baseURL + link
	default:
		return a.baseURL + a.listingPath + link
	}
}

// attrs collects the non-empty values of attr across the selection, in document order.
func attrs(sel *goquery.Selection, attr string) []string {
	var values []string
	sel.Each(func(_ int, s *goquery.Selection) {
		v, ok := s.Attr(attr)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		values = append(values, v)
	})
	return values
}
