package triage

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Category is the coarse file classification triage routes by.
type Category string

const (
	CategoryImage   Category = "IMAGE"
	CategoryPDF     Category = "PDF"
	CategoryOffice  Category = "OFFICE"
	CategoryText    Category = "TEXT"
	CategoryUnknown Category = "UNKNOWN"
)

// PDFStats is the structural sample a prober computes from the first few
// pages of a PDF.
type PDFStats struct {
	PagesSampled     int
	TotalPages       int
	AvgTextPerPage   float64
	AvgBlocksPerPage float64
	AvgImagesPerPage float64
	// LineDensity counts line/rectangle drawing operators per sampled page,
	// a cheap stand-in for "this page is probably a table".
	LineDensity float64
}

// PDFProber samples PDF structure for triage. Implementations wrap whatever
// inspection tooling the deployment ships; a nil prober degrades triage to a
// conservative default rather than failing it.
type PDFProber interface {
	Probe(ctx context.Context, path string, samplePages int) (*PDFStats, error)
}

var officeMimePrefixes = []string{
	"application/msword",
	"application/vnd.openxmlformats-officedocument",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/vnd.oasis.opendocument",
	"application/rtf",
}

var textMimePrefixes = []string{
	"text/",
	"application/xml",
	"application/json",
	"application/xhtml+xml",
}

// DetectCategory classifies a file, preferring the declared MIME type, then
// content sniffing, then the extension.
func DetectCategory(path, declaredMimeType string) Category {
	if declaredMimeType != "" {
		if cat := categoryForMime(declaredMimeType); cat != CategoryUnknown {
			return cat
		}
	}

	if mtype, err := mimetype.DetectFile(path); err == nil {
		if cat := categoryForMime(mtype.String()); cat != CategoryUnknown {
			return cat
		}
	}

	return categoryForExtension(filepath.Ext(path))
}

func categoryForMime(mime string) Category {
	// Strip parameters such as "; charset=utf-8".
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	mime = strings.TrimSpace(strings.ToLower(mime))

	switch {
	case mime == "application/pdf":
		return CategoryPDF
	case strings.HasPrefix(mime, "image/"):
		return CategoryImage
	}

	for _, prefix := range officeMimePrefixes {
		if strings.HasPrefix(mime, prefix) {
			return CategoryOffice
		}
	}

	for _, prefix := range textMimePrefixes {
		if strings.HasPrefix(mime, prefix) {
			return CategoryText
		}
	}

	return CategoryUnknown
}

func categoryForExtension(ext string) Category {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "pdf":
		return CategoryPDF
	case "jpg", "jpeg", "png", "gif", "tiff", "bmp", "webp", "heic":
		return CategoryImage
	case "doc", "docx", "xls", "xlsx", "ppt", "pptx", "odt", "ods", "odp", "rtf":
		return CategoryOffice
	case "txt", "md", "markdown", "html", "htm", "xml", "json", "csv":
		return CategoryText
	default:
		return CategoryUnknown
	}
}
