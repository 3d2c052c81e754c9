package render

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png"

	"github.com/jung-kurt/gofpdf"
)

// pxToPt converts CSS pixels (96 per inch) to PDF points (72 per inch).
const pxToPt = 72.0 / 96.0

// WrapPNGInPDF embeds a PNG on a single page sized exactly to it.
func WrapPNGInPDF(img []byte) ([]byte, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}
	if format != "png" {
		return nil, fmt.Errorf("expected png capture, got %s", format)
	}

	w := float64(cfg.Width) * pxToPt
	h := float64(cfg.Height) * pxToPt

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           gofpdf.SizeType{Wd: w, Ht: h},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	opt := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("capture", opt, bytes.NewReader(img))
	pdf.ImageOptions("capture", 0, 0, w, h, false, opt, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
