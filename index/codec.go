package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// Compression selects how the artifact body is compressed
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

// ParseCompression maps a config value to a Compression
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "zstd":
		return CompressionZSTD, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	default:
		return CompressionNone, core.Validationf("unsupported artifact compression %q", s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Artifact layout: magic, format version, compression, body.
// LZ4 bodies are prefixed with the uncompressed length.
var artifactMagic = []byte("JHNS")

const (
	artifactVersion    = 1
	artifactHeaderSize = 6
)

var (
	// ErrCorruptArtifact is returned when an artifact cannot be decoded
	ErrCorruptArtifact = errors.New("corrupt index artifact")
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// hnswState is the serializable state of an HNSWIndex
type hnswState struct {
	Dimension      int          `msgpack:"dim"`
	Metric         string       `msgpack:"metric"`
	M              int          `msgpack:"m"`
	EfConstruction int          `msgpack:"ef_construction"`
	EfSearch       int          `msgpack:"ef_search"`
	ML             float64      `msgpack:"ml"`
	MaxLevels      int          `msgpack:"max_levels"`
	Seed           int64        `msgpack:"seed"`
	EntryPoint     int32        `msgpack:"entry"`
	MaxLevel       int          `msgpack:"max_level"`
	IDs            []uint64     `msgpack:"ids"`
	Data           []float32    `msgpack:"data"`
	Levels         []int        `msgpack:"levels"`
	Links          [][][]uint32 `msgpack:"links"`
}

// Serialize encodes the index with zstd compression
func (h *HNSWIndex) Serialize() ([]byte, error) {
	return h.SerializeWith(CompressionZSTD)
}

// SerializeWith encodes the index using the given compression
func (h *HNSWIndex) SerializeWith(c Compression) ([]byte, error) {
	g := h.graph
	state := hnswState{
		Dimension:      g.dimension,
		Metric:         string(g.config.Metric),
		M:              g.config.M,
		EfConstruction: g.config.EfConstruction,
		EfSearch:       h.Ef(),
		ML:             g.config.ML,
		MaxLevels:      g.config.MaxLevels,
		Seed:           g.config.Seed,
		EntryPoint:     g.entryPoint,
		MaxLevel:       g.maxLevel,
		IDs:            g.ids,
		Data:           g.data,
		Levels:         make([]int, len(g.nodes)),
		Links:          make([][][]uint32, len(g.nodes)),
	}
	for i, n := range g.nodes {
		state.Levels[i] = n.level
		state.Links[i] = n.links
	}

	body, err := msgpack.Marshal(&state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode index state: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(artifactHeaderSize + len(body))
	buf.Write(artifactMagic)
	buf.WriteByte(artifactVersion)
	buf.WriteByte(byte(c))

	switch c {
	case CompressionNone:
		buf.Write(body)
	case CompressionZSTD:
		enc := getZstdEncoder()
		buf.Write(enc.EncodeAll(body, nil))
		zstdEncoderPool.Put(enc)
	case CompressionLZ4:
		compressed := make([]byte, lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to compress index state: %w", err)
		}
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(body)))
		buf.Write(size[:])
		if n == 0 || n >= len(body) {
			// incompressible, store as is
			buf.Write(body)
		} else {
			buf.Write(compressed[:n])
		}
	default:
		return nil, core.Validationf("unsupported artifact compression %s", c)
	}

	return buf.Bytes(), nil
}

// LoadHNSW restores an index written by Serialize
func LoadHNSW(data []byte) (*HNSWIndex, error) {
	if len(data) < artifactHeaderSize || !bytes.Equal(data[:4], artifactMagic) {
		return nil, fmt.Errorf("%w: missing header", ErrCorruptArtifact)
	}
	if data[4] != artifactVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptArtifact, data[4])
	}

	body, err := decompress(Compression(data[5]), data[artifactHeaderSize:])
	if err != nil {
		return nil, err
	}

	var state hnswState
	if err := msgpack.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArtifact, err)
	}
	return restoreHNSW(state)
}

func decompress(c Compression, payload []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		body, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptArtifact, err)
		}
		return body, nil
	case CompressionLZ4:
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: truncated lz4 body", ErrCorruptArtifact)
		}
		size := binary.LittleEndian.Uint32(payload[:4])
		payload = payload[4:]
		if uint32(len(payload)) == size {
			// stored uncompressed
			return payload, nil
		}
		body := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptArtifact, err)
		}
		if uint32(n) != size {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptArtifact)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorruptArtifact, uint8(c))
	}
}

func restoreHNSW(state hnswState) (*HNSWIndex, error) {
	n := len(state.IDs)
	if state.Dimension <= 0 || len(state.Data) != n*state.Dimension ||
		len(state.Levels) != n || len(state.Links) != n {
		return nil, fmt.Errorf("%w: inconsistent graph state", ErrCorruptArtifact)
	}
	if n > 0 && (state.EntryPoint < 0 || int(state.EntryPoint) >= n) {
		return nil, fmt.Errorf("%w: entry point %d out of range", ErrCorruptArtifact, state.EntryPoint)
	}

	config := DefaultHNSWConfig()
	config.M = state.M
	config.EfConstruction = state.EfConstruction
	config.EfSearch = state.EfSearch
	config.ML = state.ML
	config.MaxLevels = state.MaxLevels
	config.Seed = state.Seed
	config.Metric = core.DistanceMetric(state.Metric)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArtifact, err)
	}

	graph, err := newHNSWGraph(state.Dimension, 0, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArtifact, err)
	}
	graph.ids = state.IDs
	graph.data = state.Data
	graph.nodes = make([]hnswNode, n)
	for i := range graph.nodes {
		links := state.Links[i]
		if len(links) != state.Levels[i]+1 {
			return nil, fmt.Errorf("%w: node %d has %d link levels, expected %d",
				ErrCorruptArtifact, i, len(links), state.Levels[i]+1)
		}
		for level, neighbors := range links {
			for _, nb := range neighbors {
				if int(nb) >= n {
					return nil, fmt.Errorf("%w: node %d links to missing node %d", ErrCorruptArtifact, i, nb)
				}
				if state.Levels[nb] < level {
					return nil, fmt.Errorf("%w: node %d links to node %d at level %d above its top level %d",
						ErrCorruptArtifact, i, nb, level, state.Levels[nb])
				}
			}
		}
		graph.nodes[i] = hnswNode{level: state.Levels[i], links: links}
	}
	if n > 0 {
		graph.entryPoint = state.EntryPoint
		graph.maxLevel = state.MaxLevel
	}

	return newHNSWIndex(graph), nil
}
