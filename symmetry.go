package fic

// symmetries enumerates the eight square isometries. Symmetry s maps a
// range pixel (x,y) of a side-n block to the domain pixel src(s,x,y,n).
const symmetries = 8

func src(s uint8, x, y, n int) (int, int) {
	m := n - 1
	switch s {
	case 1:
		return y, m - x
	case 2:
		return m - x, m - y
	case 3:
		return m - y, x
	case 4:
		return m - x, y
	case 5:
		return y, x
	case 6:
		return x, m - y
	case 7:
		return m - y, m - x
	}
	return x, y
}

// scatter writes block (row-major, side n) into dst so that
// dst[src(s,p)] = block[p]; cells outside mask (if any) are zeroed and
// dstMask marks the visible cells.
func scatter(dst, dstMask, block, mask []float64, s uint8, n int) {
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			sx, sy := src(s, x, y, n)
			i, j := y*n+x, sy*n+sx
			dst[j] = block[i]
			if dstMask != nil {
				dstMask[j] = mask[i]
			}
		}
	}
}
