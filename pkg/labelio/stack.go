// Package labelio reads and writes the volumes a segmentation session works
// on: raw image stacks, label stacks and compressed label volumes.
package labelio

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff"

	"segview/internal/models"
)

var sliceExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

// LoadImageStack reads every image slice in dir, ordered by the number in
// the file name, into an intensity volume scaled to [0, 1].
func LoadImageStack(dir string) (*models.Volume, error) {
	slices, err := loadSlices(dir)
	if err != nil {
		return nil, err
	}

	bounds := stackBounds(slices)
	vol := models.NewVolume(bounds)
	for z, img := range slices {
		b := img.Bounds()
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				vol.Set(models.Point{int64(x), int64(y), int64(z)}, float64(g.Y)/65535.0)
			}
		}
	}
	return vol, nil
}

// LoadLabelStack reads every slice in dir as integer labels. Gray and
// paletted images keep their raw values; other images use their gray level.
func LoadLabelStack(dir string) (*models.LabelVolume, error) {
	slices, err := loadSlices(dir)
	if err != nil {
		return nil, err
	}

	bounds := stackBounds(slices)
	vol := models.NewLabelVolume(bounds)
	for z, img := range slices {
		b := img.Bounds()
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				vol.Set(models.Point{int64(x), int64(y), int64(z)}, labelAt(img, b.Min.X+x, b.Min.Y+y))
			}
		}
	}
	return vol, nil
}

func labelAt(img image.Image, x, y int) uint16 {
	switch im := img.(type) {
	case *image.Gray:
		return uint16(im.GrayAt(x, y).Y)
	case *image.Gray16:
		return im.Gray16At(x, y).Y
	case *image.Paletted:
		return uint16(im.ColorIndexAt(x, y))
	default:
		return uint16(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
	}
}

func stackBounds(slices []image.Image) models.Interval {
	b := slices[0].Bounds()
	return models.IntervalFromSize(int64(b.Dx()), int64(b.Dy()), int64(len(slices)))
}

// loadSlices reads and decodes the slice images of dir in numeric order. All
// slices must share the dimensions of the first one.
func loadSlices(dir string) ([]image.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read slice directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if sliceExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no image slices found in %s", dir)
	}

	sort.SliceStable(files, func(i, j int) bool {
		return extractNumber(files[i]) < extractNumber(files[j])
	})

	slices := make([]image.Image, 0, len(files))
	for _, name := range files {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("load slice %s: %w", name, err)
		}
		if len(slices) > 0 && img.Bounds().Size() != slices[0].Bounds().Size() {
			return nil, fmt.Errorf("slice %s is %v, expected %v", name, img.Bounds().Size(), slices[0].Bounds().Size())
		}
		slices = append(slices, img)
	}
	return slices, nil
}

// extractNumber returns the digits of a file name as a number, 0 if none.
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return n
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}
