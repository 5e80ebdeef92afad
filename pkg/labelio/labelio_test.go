package labelio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segview/internal/models"
)

func writeGraySlice(t *testing.T, path string, w, h int, value func(x, y int) uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: value(x, y)})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLabelVolumeRoundTrip(t *testing.T) {
	vol := models.NewLabelVolume(models.NewInterval([]int64{-2, 0, 5}, []int64{97, 40, 7}))
	for i := range vol.Data {
		vol.Data[i] = uint16(i % 5)
	}

	var buf bytes.Buffer
	require.NoError(t, WriteLabelVolume(&buf, vol))
	assert.Less(t, buf.Len(), 2*len(vol.Data), "repetitive labels should compress")

	got, err := ReadLabelVolume(&buf)
	require.NoError(t, err)
	assert.True(t, got.Bounds.Equal(vol.Bounds))
	assert.Equal(t, vol.Data, got.Data)
}

func TestReadLabelVolumeRejectsGarbage(t *testing.T) {
	_, err := ReadLabelVolume(bytes.NewReader([]byte("not a volume at all")))
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = ReadLabelVolume(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestReadLabelVolumeTruncated(t *testing.T) {
	vol := models.NewLabelVolume(models.IntervalFromSize(16, 16))
	var buf bytes.Buffer
	require.NoError(t, WriteLabelVolume(&buf, vol))

	_, err := ReadLabelVolume(bytes.NewReader(buf.Bytes()[:buf.Len()-4]))
	assert.Error(t, err)
}

func TestReadLabelVolumeRejectsOversizedHeader(t *testing.T) {
	header := func(extents ...[2]int64) []byte {
		b := append([]byte{}, magic[:]...)
		b = append(b, formatVersion, byte(len(extents)))
		for _, e := range extents {
			b = binary.LittleEndian.AppendUint64(b, uint64(e[0]))
			b = binary.LittleEndian.AppendUint64(b, uint64(e[1]))
		}
		return b
	}

	tests := []struct {
		name    string
		extents [][2]int64
	}{
		{"product too large", [][2]int64{{0, 1 << 21}, {0, 1 << 21}, {0, 1 << 21}}},
		{"single axis too large", [][2]int64{{0, 1 << 40}}},
		{"extent wraps", [][2]int64{{math.MinInt64, math.MaxInt64}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := ReadLabelVolume(bytes.NewReader(header(tt.extents...)))
				assert.ErrorIs(t, err, ErrInvalidFormat)
			})
		})
	}
}

func TestSaveAndLoadLabelVolume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "labels.sglv")
	vol := models.NewLabelVolume(models.IntervalFromSize(3, 3))
	vol.Set(models.Point{1, 1}, 2)

	require.NoError(t, SaveLabelVolume(path, vol))
	got, err := LoadLabelVolume(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), got.At(models.Point{1, 1}))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestLoadLabelStackOrdersNumerically(t *testing.T) {
	dir := t.TempDir()
	// slice_10 must come after slice_2
	for _, z := range []int{10, 2, 1} {
		z := z
		writeGraySlice(t, filepath.Join(dir, fmt.Sprintf("slice_%d.png", z)), 4, 3, func(x, y int) uint8 { return uint8(z) })
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	vol, err := LoadLabelStack(dir)
	require.NoError(t, err)
	assert.True(t, vol.Bounds.Equal(models.IntervalFromSize(4, 3, 3)))
	assert.Equal(t, uint16(1), vol.At(models.Point{0, 0, 0}))
	assert.Equal(t, uint16(2), vol.At(models.Point{3, 2, 1}))
	assert.Equal(t, uint16(10), vol.At(models.Point{1, 1, 2}))
}

func TestLoadImageStackScalesIntensities(t *testing.T) {
	dir := t.TempDir()
	writeGraySlice(t, filepath.Join(dir, "img_0.png"), 2, 2, func(x, y int) uint8 {
		if x == 0 {
			return 0
		}
		return 255
	})

	vol, err := LoadImageStack(dir)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, vol.At(models.Point{0, 1, 0}), 1e-9)
	assert.InDelta(t, 1.0, vol.At(models.Point{1, 1, 0}), 1e-9)
}

func TestLoadStackErrors(t *testing.T) {
	_, err := LoadLabelStack(t.TempDir())
	assert.Error(t, err, "empty directory")

	dir := t.TempDir()
	writeGraySlice(t, filepath.Join(dir, "a_1.png"), 2, 2, func(x, y int) uint8 { return 0 })
	writeGraySlice(t, filepath.Join(dir, "a_2.png"), 3, 2, func(x, y int) uint8 { return 0 })
	_, err = LoadImageStack(dir)
	assert.Error(t, err, "mismatched slice sizes")
}

func TestExtractNumber(t *testing.T) {
	assert.Equal(t, 12, extractNumber("slice_012.png"))
	assert.Equal(t, 0, extractNumber("slice.png"))
}
