// Package report renders the one-page PDF screening report.
package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/Brownie44l1/retina-api/internal/imaging"
	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"
)

const (
	pageW       = 612.0 // US letter in points
	pageH       = 792.0
	margin      = 54.0
	contentW    = pageW - 2*margin
	imageBox    = 151.2
	thumbSize   = 400
	brand       = "VisionXaid"
	disclaimer  = "VisionXaid screening tool is for informational purposes and does not constitute clinical diagnosis."
	placeholder = "Image not available"
	badImage    = "Image Data Error"
)

// Request carries everything printed on a report.
type Request struct {
	Original   []byte // image bytes, nil when not supplied
	Heatmap    string // base64 or data URI overlay, empty when not supplied
	Filename   string
	Prediction string
	Confidence float64
	Time       time.Time // zero means now
	ID         string    // empty generates one
}

// NewID returns a report identifier such as VXR-20260115-1A2B3C4D.
func NewID(t time.Time) string {
	return fmt.Sprintf("VXR-%s-%s", t.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}

// Filename is the attachment name for a report on the given upload.
func Filename(upload string) string {
	if upload == "" {
		upload = "report"
	}
	return fmt.Sprintf("%s_Report_%s.pdf", brand, upload)
}

// Generate renders the report as PDF bytes.
func Generate(req Request) ([]byte, error) {
	if req.Time.IsZero() {
		req.Time = time.Now()
	}
	if req.ID == "" {
		req.ID = NewID(req.Time)
	}
	if req.Filename == "" {
		req.Filename = "unknown.jpg"
	}
	cond := ConditionFor(req.Prediction)

	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle(brand+" Retinal Analysis Report "+req.ID, true)
	pdf.SetCreator(brand, true)
	pdf.SetCreationDate(req.Time)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	// Header band.
	pdf.SetFillColor(0x1A, 0x23, 0x7E)
	pdf.Rect(0, 0, pageW, 72, "F")
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 22)
	pdf.Text(margin, 32, brand)
	pdf.SetFont("Helvetica", "", 10)
	pdf.Text(margin, 47, "AI-Powered Retinal Analysis Report")
	pdf.SetFont("Helvetica", "", 8)
	rightText(pdf, 32, "ID: "+req.ID)
	rightText(pdf, 47, req.Time.Format("January 02, 2006"))
	pdf.SetTextColor(0, 0, 0)

	// Summary boxes.
	y := 97.2
	pdf.SetFont("Helvetica", "B", 13)
	pdf.Text(margin, y, "Analysis Summary")
	y += 30
	boxW, boxH := (contentW-20)/2, 75.0
	pdf.SetLineWidth(0.5)
	pdf.Rect(margin, y, boxW, boxH, "D")
	pdf.Rect(margin+boxW+20, y, boxW, boxH, "D")
	pdf.SetFont("Helvetica", "B", 10)
	pdf.Text(margin+10, y+20, "File Data")
	pdf.Text(margin+boxW+30, y+20, "Findings")
	pdf.SetFont("Helvetica", "", 9)
	pdf.Text(margin+10, y+35, tr("Name: "+truncate(req.Filename, 25)))
	pdf.Text(margin+10, y+48, "Time: "+req.Time.Format("03:04 PM"))
	pdf.Text(margin+boxW+30, y+35, "Label: "+cond.FullName)
	pdf.Text(margin+boxW+30, y+48, fmt.Sprintf("Conf: %.1f%%", req.Confidence*100))
	pdf.Text(margin+boxW+30, y+61, "Severity: "+cond.Severity)

	// Clinical overview.
	y += boxH + 30
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Text(margin, y, "Clinical Overview")
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetXY(margin, y+6)
	pdf.MultiCell(contentW, 12, cond.Description, "", "L", false)
	y = pdf.GetY()

	// Imaging analysis.
	y += 20
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Text(margin, y, "Imaging Analysis")
	y += 20
	pdf.SetFont("Helvetica", "B", 8)
	centredText(pdf, margin+imageBox/2, y-5, "ORIGINAL FUNDUS")
	centredText(pdf, pageW-margin-imageBox/2, y-5, "AI ACTIVATION MAP")
	pdf.SetFont("Helvetica", "", 9)
	placeImage(pdf, "original", req.Original, nil, margin, y)
	var heatmapBytes []byte
	var heatmapErr error
	if req.Heatmap != "" {
		heatmapBytes, heatmapErr = imaging.DecodeBase64(req.Heatmap)
	}
	placeImage(pdf, "heatmap", heatmapBytes, heatmapErr, pageW-margin-imageBox, y)

	// Recommendations.
	y += imageBox + 35
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Text(margin, y, "Clinical Recommendations")
	y += 8
	for i, rec := range cond.Recommendations {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.Text(margin, y+9, fmt.Sprintf("%d.", i+1))
		pdf.SetFont("Helvetica", "", 9)
		pdf.SetXY(margin+15, y)
		pdf.MultiCell(contentW-20, 12, rec, "", "L", false)
		y = pdf.GetY() + 4
	}

	// Footer.
	footerY := pageH - 72
	pdf.Line(margin, footerY, pageW-margin, footerY)
	pdf.SetFont("Helvetica", "", 7)
	centredText(pdf, pageW/2, footerY+15, disclaimer)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}
	return buf.Bytes(), nil
}

// placeImage draws data scaled into an imageBox square at (x, y) with a
// frame, or a placeholder when data is missing or unreadable.
func placeImage(pdf *fpdf.Fpdf, name string, data []byte, err error, x, y float64) {
	if err == nil && data == nil {
		pdf.Text(x+10, y+50, placeholder)
		return
	}
	var thumb []byte
	var w, h int
	if err == nil {
		thumb, w, h, err = thumbnail(data)
	}
	if err != nil {
		pdf.Text(x+10, y+50, badImage)
		return
	}

	scale := imageBox / float64(max(w, h))
	dw, dh := float64(w)*scale, float64(h)*scale
	opts := fpdf.ImageOptions{ImageType: "JPG"}
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(thumb))
	pdf.ImageOptions(name, x+(imageBox-dw)/2, y+(imageBox-dh)/2, dw, dh, false, opts, 0, "")
	pdf.Rect(x, y, imageBox, imageBox, "D")
}

// thumbnail decodes data, shrinks it to fit thumbSize and re-encodes it as
// JPEG.
func thumbnail(data []byte) ([]byte, int, int, error) {
	img, _, err := imaging.Decode(data)
	if err != nil {
		return nil, 0, 0, err
	}
	small := imaging.Thumbnail(img, thumbSize)
	out, err := imaging.EncodeJPEG(small, 0)
	if err != nil {
		return nil, 0, 0, err
	}
	b := small.Bounds()
	return out, b.Dx(), b.Dy(), nil
}

func rightText(pdf *fpdf.Fpdf, y float64, s string) {
	pdf.Text(pageW-margin-pdf.GetStringWidth(s), y, s)
}

func centredText(pdf *fpdf.Fpdf, cx, y float64, s string) {
	pdf.Text(cx-pdf.GetStringWidth(s)/2, y, s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
