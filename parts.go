package fic

import "image"

// splitParts divides a w x h plane into rectangles of at most
// 1<<maxLog2 pixels. The longer side of an oversized rectangle is cut at
// a power of two so that most parts keep power-of-two extents.
func splitParts(w, h, maxLog2 int) []image.Rectangle {
	maxPixels := 1 << maxLog2
	parts := []image.Rectangle{image.Rect(0, 0, w, h)}
	for i := 0; i < len(parts); {
		r := parts[i]
		if r.Dx()*r.Dy() <= maxPixels {
			i++
			continue
		}
		xdiv := r.Dx() >= r.Dy()
		longer := r.Dy()
		if xdiv {
			longer = r.Dx()
		}
		bits := log2ceil(longer)
		div := 1 << (bits - 2)
		if longer >= 1<<(bits-1)+1<<(bits-2) {
			div = 1 << (bits - 1)
		}
		rest := r
		if xdiv {
			r.Max.X = r.Min.X + div
			rest.Min.X = r.Max.X
		} else {
			r.Max.Y = r.Min.Y + div
			rest.Min.Y = r.Max.Y
		}
		parts[i] = r
		parts = append(parts, rest)
	}
	return parts
}
