package extractor

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

const (
	// Footer detection only looks at the bottom portion of the page; printed
	// page numbers live there, and scanning higher picks up body text.
	footerSearchFraction = 0.15

	// A row counts as inked when at least this fraction of its pixels are dark.
	inkRowFraction = 0.002

	inkLuminanceMax = 0x7000

	// Blank rows between the footer band and the body text. A smaller gap
	// means the rows belong to the same block.
	footerGapRows = 8

	footerPaddingRows = 4

	maxFooterWidth = 800
)

// FooterStrip isolates the printed footer band of a rendered page. It scans
// the bottom of the page upward for the last block of inked rows, separated
// from the body by a run of blank rows. The second return is false when the
// bottom of the page is entirely blank.
func FooterStrip(img image.Image) (image.Image, bool) {
	bounds := img.Bounds()
	height := bounds.Dy()
	if height == 0 || bounds.Dx() == 0 {
		return nil, false
	}

	searchTop := bounds.Max.Y - int(float64(height)*footerSearchFraction)
	if searchTop < bounds.Min.Y {
		searchTop = bounds.Min.Y
	}

	bandBottom := -1
	bandTop := -1
	blankRun := 0
	for y := bounds.Max.Y - 1; y >= searchTop; y-- {
		if rowInked(img, y) {
			if bandBottom == -1 {
				bandBottom = y
			}
			bandTop = y
			blankRun = 0
			continue
		}
		if bandBottom != -1 {
			blankRun++
			if blankRun >= footerGapRows {
				break
			}
		}
	}
	if bandBottom == -1 {
		return nil, false
	}

	top := bandTop - footerPaddingRows
	if top < bounds.Min.Y {
		top = bounds.Min.Y
	}
	bottom := bandBottom + footerPaddingRows + 1
	if bottom > bounds.Max.Y {
		bottom = bounds.Max.Y
	}

	crop := image.Rect(bounds.Min.X, top, bounds.Max.X, bottom)
	strip := image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	draw.Draw(strip, strip.Bounds(), img, crop.Min, draw.Src)
	return downscale(strip), true
}

// FooterPNG decodes a rendered page, crops the footer band, and re-encodes
// it as PNG. The second return is false when no footer band was found.
func FooterPNG(pageRender []byte) ([]byte, bool, error) {
	img, err := png.Decode(bytes.NewReader(pageRender))
	if err != nil {
		return nil, false, fmt.Errorf("decode page render: %w", err)
	}

	strip, ok := FooterStrip(img)
	if !ok {
		return nil, false, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, strip); err != nil {
		return nil, false, fmt.Errorf("encode footer strip: %w", err)
	}
	return buf.Bytes(), true, nil
}

func rowInked(img image.Image, y int) bool {
	bounds := img.Bounds()
	width := bounds.Dx()
	if width == 0 {
		return false
	}

	inked := 0
	threshold := int(float64(width) * inkRowFraction)
	if threshold < 1 {
		threshold = 1
	}
	for x := bounds.Min.X; x < bounds.Max.X; x++ {
		r, g, b, a := img.At(x, y).RGBA()
		if a == 0 {
			continue
		}
		// Rec. 601 luma, 16-bit channels.
		luma := (299*r + 587*g + 114*b) / 1000
		if luma < inkLuminanceMax {
			inked++
			if inked >= threshold {
				return true
			}
		}
	}
	return false
}

func downscale(img image.Image) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() <= maxFooterWidth {
		return img
	}

	scale := float64(maxFooterWidth) / float64(bounds.Dx())
	height := int(float64(bounds.Dy()) * scale)
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, maxFooterWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
