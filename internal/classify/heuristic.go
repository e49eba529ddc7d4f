package classify

import (
	"context"
	"errors"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// Heuristic is an intensity based occupancy detector. It compares the
// center of a cell with its corners: a disc brighter than the square is a
// white piece, a darker one a black piece. Piece type is not recognized, so
// occupied cells are reported as pawns of the detected colour.
type Heuristic struct {
	// Minimum center/corner intensity difference for an occupied cell
	MinContrast float64
}

// NewHeuristic creates a heuristic classifier with default contrast
func NewHeuristic() *Heuristic {
	return &Heuristic{MinContrast: 18}
}

func (h *Heuristic) Classify(ctx context.Context, cell gocv.Mat) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if cell.Empty() {
		return "", 0, errors.New("empty cell")
	}

	gray := toGray(cell)
	defer gray.Close()

	w, h2 := gray.Cols(), gray.Rows()
	center := regionMean(gray, image.Rect(w*3/10, h2*3/10, w*7/10, h2*7/10))

	patch := max(1, w*13/100)
	inset := w * 5 / 100
	corners := []image.Rectangle{
		image.Rect(inset, inset, inset+patch, inset+patch),
		image.Rect(w-inset-patch, inset, w-inset, inset+patch),
		image.Rect(inset, h2-inset-patch, inset+patch, h2-inset),
		image.Rect(w-inset-patch, h2-inset-patch, w-inset, h2-inset),
	}
	border := 0.0
	for _, r := range corners {
		border += regionMean(gray, r) / float64(len(corners))
	}

	diff := center - border
	contrast := math.Abs(diff)
	if contrast < h.MinContrast {
		return string(LabelEmpty), 1 - contrast/(2*h.MinContrast), nil
	}

	score := math.Min(1, 0.5+(contrast-h.MinContrast)/100)
	if diff > 0 {
		return "P", score, nil
	}
	return "p", score, nil
}

func regionMean(img gocv.Mat, r image.Rectangle) float64 {
	r = r.Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
	if r.Empty() {
		return 0
	}
	region := img.Region(r)
	defer region.Close()
	return region.Mean().Val1
}

// toGray returns a single channel copy that the caller must close
func toGray(img gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch img.Channels() {
	case 1:
		img.CopyTo(&gray)
	case 4:
		gocv.CvtColor(img, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	}
	return gray
}

// Features converts a cell to a size x size grayscale vector in [0, 1],
// row-major
func Features(cell gocv.Mat, size int) ([]float64, error) {
	if cell.Empty() {
		return nil, errors.New("empty cell")
	}

	gray := toGray(cell)
	defer gray.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, image.Pt(size, size), 0, 0, gocv.InterpolationArea)

	normalized := gocv.NewMat()
	defer normalized.Close()
	resized.ConvertTo(&normalized, gocv.MatTypeCV32F)
	normalized.DivideFloat(255.0)

	data := make([]float64, 0, size*size)
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			data = append(data, float64(normalized.GetFloatAt(i, j)))
		}
	}
	return data, nil
}
