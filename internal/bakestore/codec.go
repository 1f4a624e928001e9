package bakestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/klauspost/compress/zstd"
	"github.com/probebake/server/internal/bake"
	"github.com/probebake/server/internal/probe"
)

// ErrCorruptAsset is returned when an asset blob cannot be decoded.
var ErrCorruptAsset = errors.New("bakestore: corrupt asset blob")

var assetMagic = [4]byte{'P', 'R', 'B', 'A'}

const assetVersion uint16 = 1

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			codecErr = fmt.Errorf("failed to create zstd encoder: %w", codecErr)
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
		if codecErr != nil {
			codecErr = fmt.Errorf("failed to create zstd decoder: %w", codecErr)
		}
	})
	return encoder, decoder, codecErr
}

type assetHeader struct {
	Magic        [4]byte
	Version      uint16
	SceneLen     uint16
	MaxCellIndex [3]int32
	CellCount    uint32
}

type cellHeader struct {
	Index      int32
	Position   [3]int32
	BrickCount uint32
	ProbeCount uint32
	Baked      uint8
}

type brickRecord struct {
	Position [3]int32
	Level    int32
}

// EncodeAsset serialises an asset little-endian and compresses it with zstd.
func EncodeAsset(a *bake.Asset) ([]byte, error) {
	if len(a.Scene) > 0xffff {
		return nil, fmt.Errorf("bakestore: scene name too long (%d bytes)", len(a.Scene))
	}
	var buf bytes.Buffer
	hdr := assetHeader{
		Magic:     assetMagic,
		Version:   assetVersion,
		SceneLen:  uint16(len(a.Scene)),
		CellCount: uint32(len(a.Cells)),
	}
	for i, v := range a.MaxCellIndex {
		hdr.MaxCellIndex[i] = int32(v)
	}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	buf.WriteString(a.Scene)

	for i := range a.Cells {
		if err := writeCell(&buf, &a.Cells[i]); err != nil {
			return nil, err
		}
	}

	enc, _, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(buf.Bytes(), nil), nil
}

func writeCell(w io.Writer, c *probe.Cell) error {
	if err := c.Validate(); err != nil {
		return err
	}
	ch := cellHeader{
		Index:      int32(c.Index),
		Position:   [3]int32{int32(c.Position[0]), int32(c.Position[1]), int32(c.Position[2])},
		BrickCount: uint32(len(c.Bricks)),
		ProbeCount: uint32(len(c.ProbePositions)),
	}
	if c.Baked() {
		ch.Baked = 1
	}
	bricks := make([]brickRecord, len(c.Bricks))
	for i, b := range c.Bricks {
		bricks[i] = brickRecord{
			Position: [3]int32{int32(b.Position[0]), int32(b.Position[1]), int32(b.Position[2])},
			Level:    int32(b.SubdivisionLevel),
		}
	}

	parts := []any{ch, bricks, c.ProbePositions}
	if c.Baked() {
		parts = append(parts, c.SH, c.Validity)
	}
	for _, p := range parts {
		if err := binary.Write(w, binary.LittleEndian, p); err != nil {
			return fmt.Errorf("failed to write cell %d: %w", c.Index, err)
		}
	}
	return nil
}

// DecodeAsset reverses EncodeAsset.
func DecodeAsset(data []byte) (*bake.Asset, error) {
	_, dec, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompress failed: %v", ErrCorruptAsset, err)
	}
	r := bytes.NewReader(raw)

	var hdr assetHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptAsset, err)
	}
	if hdr.Magic != assetMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptAsset, hdr.Magic[:])
	}
	if hdr.Version != assetVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptAsset, hdr.Version)
	}
	scene := make([]byte, hdr.SceneLen)
	if _, err := io.ReadFull(r, scene); err != nil {
		return nil, fmt.Errorf("%w: scene name: %v", ErrCorruptAsset, err)
	}

	a := &bake.Asset{Scene: string(scene)}
	for i, v := range hdr.MaxCellIndex {
		a.MaxCellIndex[i] = int(v)
	}
	// Each cell costs at least its header, which bounds the allocation.
	if int64(hdr.CellCount)*int64(binary.Size(cellHeader{})) > int64(r.Len()) {
		return nil, fmt.Errorf("%w: %d cells in %d bytes", ErrCorruptAsset, hdr.CellCount, r.Len())
	}
	a.Cells = make([]probe.Cell, hdr.CellCount)
	for i := range a.Cells {
		if err := readCell(r, &a.Cells[i]); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func readCell(r *bytes.Reader, c *probe.Cell) error {
	var ch cellHeader
	if err := binary.Read(r, binary.LittleEndian, &ch); err != nil {
		return fmt.Errorf("%w: cell header: %v", ErrCorruptAsset, err)
	}
	need := int64(ch.BrickCount)*int64(binary.Size(brickRecord{})) + int64(ch.ProbeCount)*12
	if need > int64(r.Len()) {
		return fmt.Errorf("%w: cell %d truncated", ErrCorruptAsset, ch.Index)
	}

	c.Index = int(ch.Index)
	c.Position = [3]int{int(ch.Position[0]), int(ch.Position[1]), int(ch.Position[2])}

	bricks := make([]brickRecord, ch.BrickCount)
	if err := binary.Read(r, binary.LittleEndian, bricks); err != nil {
		return fmt.Errorf("%w: cell %d bricks: %v", ErrCorruptAsset, c.Index, err)
	}
	if len(bricks) > 0 {
		c.Bricks = make([]probe.Brick, len(bricks))
		for i, b := range bricks {
			c.Bricks[i] = probe.Brick{
				Position:         [3]int{int(b.Position[0]), int(b.Position[1]), int(b.Position[2])},
				SubdivisionLevel: int(b.Level),
			}
		}
	}
	if ch.ProbeCount > 0 {
		c.ProbePositions = make([]mgl32.Vec3, ch.ProbeCount)
		if err := binary.Read(r, binary.LittleEndian, c.ProbePositions); err != nil {
			return fmt.Errorf("%w: cell %d positions: %v", ErrCorruptAsset, c.Index, err)
		}
	}
	if ch.Baked == 1 && ch.ProbeCount > 0 {
		c.SH = make([]probe.SHL2, ch.ProbeCount)
		c.Validity = make([]float32, ch.ProbeCount)
		if err := binary.Read(r, binary.LittleEndian, c.SH); err != nil {
			return fmt.Errorf("%w: cell %d SH: %v", ErrCorruptAsset, c.Index, err)
		}
		if err := binary.Read(r, binary.LittleEndian, c.Validity); err != nil {
			return fmt.Errorf("%w: cell %d validity: %v", ErrCorruptAsset, c.Index, err)
		}
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptAsset, err)
	}
	return nil
}
