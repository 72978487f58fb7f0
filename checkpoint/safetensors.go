package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/ldm/envconfig"
	"github.com/ollama/ldm/ml"
)

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

func LoadSafetensors(path string) (StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadSafetensors(f)
}

// ReadSafetensors decodes a safetensors stream into float64 tensors.
func ReadSafetensors(r io.Reader) (StateDict, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n <= 0 || n > 100<<20 {
		return nil, fmt.Errorf("checkpoint: invalid safetensors header length %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return nil, err
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, err
	}
	delete(headers, "__metadata__")

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	keys := slices.Sorted(maps.Keys(headers))

	tensors := make([]*ml.Tensor, len(keys))

	var g errgroup.Group
	g.SetLimit(envconfig.NumThreads())
	for i, key := range keys {
		var meta safetensorMetadata
		if err := json.Unmarshal(headers[key], &meta); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		g.Go(func() error {
			t, err := decodeSafetensor(meta, data)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			tensors[i] = t
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sd := make(StateDict, len(keys))
	for i, key := range keys {
		sd[key] = tensors[i]
	}
	return sd, nil
}

func decodeSafetensor(meta safetensorMetadata, data []byte) (*ml.Tensor, error) {
	if len(meta.Offsets) != 2 || meta.Offsets[0] < 0 || meta.Offsets[1] > int64(len(data)) || meta.Offsets[0] > meta.Offsets[1] {
		return nil, fmt.Errorf("invalid data offsets %v", meta.Offsets)
	}

	raw := data[meta.Offsets[0]:meta.Offsets[1]]

	var values []float64
	switch meta.Type {
	case "F64":
		values = make([]float64, len(raw)/8)
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case "F32":
		values = make([]float64, len(raw)/4)
		for i := range values {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case "F16":
		values = make([]float64, len(raw)/2)
		for i := range values {
			values[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32())
		}
	case "BF16":
		f32s := bfloat16.DecodeFloat32(raw)
		values = make([]float64, len(f32s))
		for i, v := range f32s {
			values[i] = float64(v)
		}
	case "":
		return nil, errors.New("missing dtype")
	default:
		return nil, fmt.Errorf("unknown data type: %s", meta.Type)
	}

	return ml.New(meta.Shape, values)
}

// WriteSafetensors encodes sd as F32 safetensors.
func WriteSafetensors(w io.Writer, sd StateDict) error {
	headers := make(map[string]safetensorMetadata, len(sd))

	var offset int64
	keys := sd.Keys()
	for _, k := range keys {
		size := int64(sd[k].Len()) * 4
		headers[k] = safetensorMetadata{Type: "F32", Shape: sd[k].Shape(), Offsets: []int64{offset, offset + size}}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}

	if _, err := w.Write(header); err != nil {
		return err
	}

	for _, k := range keys {
		f32s := make([]float32, sd[k].Len())
		for i, v := range sd[k].Floats() {
			f32s[i] = float32(v)
		}
		if err := binary.Write(w, binary.LittleEndian, f32s); err != nil {
			return err
		}
	}

	return nil
}
