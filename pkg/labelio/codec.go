package labelio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	"segview/internal/models"
)

// ErrInvalidFormat is returned for data that is not a label volume.
var ErrInvalidFormat = errors.New("labelio: not a label volume")

var magic = [4]byte{'S', 'G', 'L', 'V'}

const formatVersion = 1

// maxDimensions and maxVoxels guard against corrupt headers.
const (
	maxDimensions = 8
	maxVoxels     = 1 << 32
)

// WriteLabelVolume encodes vol as a small header followed by the labels as
// little-endian uint16 in a snappy stream.
func WriteLabelVolume(w io.Writer, vol *models.LabelVolume) error {
	n := vol.Bounds.NumDimensions()
	if n == 0 || n > maxDimensions {
		return fmt.Errorf("write label volume: %d dimensions", n)
	}

	header := make([]byte, 0, 6+16*n)
	header = append(header, magic[:]...)
	header = append(header, formatVersion, byte(n))
	for d := 0; d < n; d++ {
		header = binary.LittleEndian.AppendUint64(header, uint64(vol.Bounds.Min[d]))
		header = binary.LittleEndian.AppendUint64(header, uint64(vol.Bounds.Max[d]))
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write label volume header: %w", err)
	}

	sw := snappy.NewBufferedWriter(w)
	buf := make([]byte, 2*4096)
	for start := 0; start < len(vol.Data); start += 4096 {
		end := min(start+4096, len(vol.Data))
		chunk := buf[:2*(end-start)]
		for i, v := range vol.Data[start:end] {
			binary.LittleEndian.PutUint16(chunk[2*i:], v)
		}
		if _, err := sw.Write(chunk); err != nil {
			return fmt.Errorf("write label volume data: %w", err)
		}
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("write label volume data: %w", err)
	}
	return nil
}

// ReadLabelVolume decodes a volume written by WriteLabelVolume.
func ReadLabelVolume(r io.Reader) (*models.LabelVolume, error) {
	br := bufio.NewReader(r)

	head := make([]byte, 6)
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if [4]byte(head[:4]) != magic || head[4] != formatVersion {
		return nil, ErrInvalidFormat
	}
	n := int(head[5])
	if n == 0 || n > maxDimensions {
		return nil, fmt.Errorf("%w: %d dimensions", ErrInvalidFormat, n)
	}

	dims := make([]byte, 16*n)
	if _, err := io.ReadFull(br, dims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	min := make([]int64, n)
	max := make([]int64, n)
	voxels := uint64(1)
	for d := 0; d < n; d++ {
		min[d] = int64(binary.LittleEndian.Uint64(dims[16*d:]))
		max[d] = int64(binary.LittleEndian.Uint64(dims[16*d+8:]))
		if max[d] < min[d] {
			return nil, fmt.Errorf("%w: empty axis %d", ErrInvalidFormat, d)
		}
		// max-min wraps for extents that span most of the int64 range
		extent := uint64(max[d]-min[d]) + 1
		if extent == 0 || extent > maxVoxels/voxels {
			return nil, fmt.Errorf("%w: axis %d is too large", ErrInvalidFormat, d)
		}
		voxels *= extent
	}

	vol := models.NewLabelVolume(models.NewInterval(min, max))
	raw := make([]byte, 2*len(vol.Data))
	if _, err := io.ReadFull(snappy.NewReader(br), raw); err != nil {
		return nil, fmt.Errorf("read label volume data: %w", err)
	}
	for i := range vol.Data {
		vol.Data[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return vol, nil
}

// SaveLabelVolume writes vol to path. The file is replaced atomically so a
// watcher never observes a partial volume.
func SaveLabelVolume(path string, vol *models.LabelVolume) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create label directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".labels-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteLabelVolume(tmp, vol); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// LoadLabelVolume reads a label volume file.
func LoadLabelVolume(path string) (*models.LabelVolume, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	vol, err := ReadLabelVolume(file)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return vol, nil
}
