// Package storage builds document store keys shared by every blob backend.
package storage

import (
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

const allSegment = "all"

var extByType = map[string]string{
	"application/pdf": ".pdf",
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/tiff":      ".tif",
	"image/webp":      ".webp",
	"text/html":       ".html",
}

// DocumentKey returns the object key for a location's document. The key depends only on the
// location so a retried task overwrites its previous upload.
func DocumentKey(prefix string, loc scraper.LocationKey, ext string) string {
	segment := allSegment
	if loc.Zone != "" {
		station := loc.Station
		if station == "" {
			station = allSegment
		}
		segment = loc.Zone + "-" + station
	}
	key := path.Join(loc.Department, loc.Municipality, segment, strings.ToLower(loc.Corporation)) + ext
	if p := strings.Trim(prefix, "/"); p != "" {
		return p + "/" + key
	}
	return key
}

// Extension picks a file extension from the content type, falling back to the URL path.
func Extension(contentType, rawURL string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := extByType[mediaType]; ok {
			return ext
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 6 {
			return ext
		}
	}
	return ".bin"
}
