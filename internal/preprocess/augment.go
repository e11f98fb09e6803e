package preprocess

import (
	"image"
	"image/color"
	"math/rand/v2"

	"github.com/disintegration/imaging"
)

// MaxRotation is the largest rotation, in degrees, applied by Augment.
const MaxRotation = 10.0

// Augment applies a random horizontal flip (p=0.5) and a random rotation in
// [-MaxRotation, MaxRotation] degrees around the centre. rng only picks the
// flip and the angle.
func Augment(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	out := img
	if rng.Float64() < 0.5 {
		out = imaging.FlipH(out)
	}
	angle := (rng.Float64()*2 - 1) * MaxRotation
	return Rotate(out, angle)
}

// Rotate turns img counter-clockwise by degrees and crops back to the input
// size. Corners rotated in from outside the frame are black.
func Rotate(img *image.NRGBA, degrees float64) *image.NRGBA {
	b := img.Bounds()
	rotated := imaging.Rotate(img, degrees, color.Black)
	return imaging.CropCenter(rotated, b.Dx(), b.Dy())
}
