package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type Config struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

// DefaultConfig matches the ViT-Base/16 224px image processor.
func DefaultConfig() Config {
	return Config{
		Size: 224,
		Mean: [3]float32{0.5, 0.5, 0.5},
		Std:  [3]float32{0.5, 0.5, 0.5},
	}
}

// DecodeError reports bytes that are not a decodable image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Input is a preprocessed image ready for inference.
type Input struct {
	// Pixels is the normalised tensor in CHW order, shape (3, Size, Size).
	Pixels []float32
	// Original is the decoded image converted to opaque RGB.
	Original *image.NRGBA
	Format   string
}

// Decode decodes raw bytes and converts the result to opaque RGB.
func Decode(data []byte) (*image.NRGBA, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	return ToRGB(img), format, nil
}

// ToRGB copies img into an opaque NRGBA image anchored at the origin.
// Alpha is discarded rather than composited.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

func Process(data []byte, cfg Config) (*Input, error) {
	img, format, err := Decode(data)
	if err != nil {
		return nil, err
	}

	return &Input{
		Pixels:   Tensor(img, cfg),
		Original: img,
		Format:   format,
	}, nil
}

// Tensor resizes img to the configured size and normalises it per channel.
func Tensor(img image.Image, cfg Config) []float32 {
	size := uint(cfg.Size)
	resized := resize.Resize(size, size, img, resize.Bilinear)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			i := y*width + x
			data[i] = (float32(r)/65535.0 - cfg.Mean[0]) / cfg.Std[0]
			data[plane+i] = (float32(g)/65535.0 - cfg.Mean[1]) / cfg.Std[1]
			data[2*plane+i] = (float32(b)/65535.0 - cfg.Mean[2]) / cfg.Std[2]
		}
	}

	return data
}
