package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/detection"
)

var (
	fireColor  = color.RGBA{R: 230, G: 30, B: 30, A: 255}
	smokeColor = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	otherColor = color.RGBA{R: 240, G: 200, B: 0, A: 255}
	labelText  = color.White
)

// Annotator draws detection boxes onto JPEG frames
type Annotator struct {
	font    *truetype.Font
	quality int
}

// NewAnnotator creates an annotator that encodes at the given JPEG quality
func NewAnnotator(quality int) (*Annotator, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Annotator{font: f, quality: quality}, nil
}

// Annotate returns frame with one labelled rectangle per detection. A frame
// without detections is returned unchanged. Safe for concurrent use.
func (a *Annotator) Annotate(frame []byte, dets []ai.Detection) ([]byte, error) {
	if len(dets) == 0 {
		return frame, nil
	}

	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	dc := gg.NewContextForImage(img)
	size := math.Max(12, float64(dc.Height())/40)
	dc.SetFontFace(truetype.NewFace(a.font, &truetype.Options{Size: size}))
	line := math.Max(3, float64(dc.Height())/120)

	for _, d := range dets {
		c := boxColor(d.ClassLabel)
		x, y := d.Box.X1, d.Box.Y1
		w, h := d.Box.X2-d.Box.X1, d.Box.Y2-d.Box.Y1

		dc.SetColor(c)
		dc.SetLineWidth(line)
		dc.DrawRectangle(x, y, w, h)
		dc.Stroke()

		label := fmt.Sprintf("%s %.2f", d.ClassLabel, d.Confidence)
		tw, th := dc.MeasureString(label)
		ty := y - th - 4
		if ty < 0 {
			ty = y
		}
		dc.DrawRectangle(x, ty, tw+6, th+4)
		dc.Fill()
		dc.SetColor(labelText)
		dc.DrawString(label, x+3, ty+th)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dc.Image(), &jpeg.Options{Quality: a.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func boxColor(label string) color.Color {
	t, _ := detection.ParseType(label)
	switch t {
	case detection.Fire:
		return fireColor
	case detection.Smoke:
		return smokeColor
	}
	return otherColor
}
