package geometry

// closeMask fills gaps in an edge mask: dilation followed by erosion with a
// square kernel. Both passes are separable.
func closeMask(mask []bool, w, h, kernel int) []bool {
	if kernel <= 1 {
		return mask
	}
	return erodeMask(dilateMask(mask, w, h, kernel), w, h, kernel)
}

func dilateMask(mask []bool, w, h, kernel int) []bool {
	return boxPass(boxPass(mask, w, h, kernel, true, true), w, h, kernel, false, true)
}

func erodeMask(mask []bool, w, h, kernel int) []bool {
	return boxPass(boxPass(mask, w, h, kernel, true, false), w, h, kernel, false, false)
}

// boxPass applies a 1D max (dilate) or min (erode) filter along rows or
// columns. Pixels outside the image count as background for dilation and
// as foreground for erosion so borders do not shrink shapes.
func boxPass(mask []bool, w, h, kernel int, horizontal, dilate bool) []bool {
	half := kernel / 2
	out := make([]bool, len(mask))
	for y := range h {
		for x := range w {
			hit := !dilate
			for k := -half; k <= half; k++ {
				nx, ny := x, y
				if horizontal {
					nx += k
				} else {
					ny += k
				}
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				v := mask[ny*w+nx]
				if dilate && v {
					hit = true
					break
				}
				if !dilate && !v {
					hit = false
					break
				}
			}
			out[y*w+x] = hit
		}
	}
	return out
}
