package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/ollama/ldm/ml"
)

func TestSafetensorsRoundTrip(t *testing.T) {
	sd := StateDict{
		"betas":                  ml.MustNew([]int{3}, []float64{0.25, 0.5, 0.75}),
		"model.proj_in.0.weight": ml.MustNew([]int{2, 2}, []float64{1, -2, 3, -4}),
	}

	var b bytes.Buffer
	require.NoError(t, WriteSafetensors(&b, sd))

	got, err := ReadSafetensors(&b)
	require.NoError(t, err)

	require.Equal(t, sd.Keys(), got.Keys())
	for k, v := range sd {
		assert.Equal(t, v.Shape(), got[k].Shape(), k)
		assert.Equal(t, v.Floats(), got[k].Floats(), k)
	}
}

func TestSafetensorsHalfPrecision(t *testing.T) {
	half := make([]byte, 4)
	binary.LittleEndian.PutUint16(half[0:], float16.Fromfloat32(1.5).Bits())
	binary.LittleEndian.PutUint16(half[2:], float16.Fromfloat32(-0.25).Bits())

	// bfloat16 keeps the high half of a float32: 2.0 is 0x4000.
	bf := []byte{0x00, 0x40, 0x80, 0xbf}

	header, err := json.Marshal(map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"h":            safetensorMetadata{Type: "F16", Shape: []int{2}, Offsets: []int64{0, 4}},
		"bf":           safetensorMetadata{Type: "BF16", Shape: []int{1, 2}, Offsets: []int64{4, 8}},
	})
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, int64(len(header))))
	b.Write(header)
	b.Write(half)
	b.Write(bf)

	sd, err := ReadSafetensors(&b)
	require.NoError(t, err)
	require.Len(t, sd, 2)

	assert.Equal(t, []float64{1.5, -0.25}, sd["h"].Floats())
	assert.Equal(t, []int{1, 2}, sd["bf"].Shape())
	assert.Equal(t, []float64{2, -1}, sd["bf"].Floats())
}

func TestSafetensorsErrors(t *testing.T) {
	header, err := json.Marshal(map[string]any{
		"x": safetensorMetadata{Type: "I8", Shape: []int{1}, Offsets: []int64{0, 1}},
	})
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, int64(len(header))))
	b.Write(header)
	b.WriteByte(1)

	_, err = ReadSafetensors(&b)
	require.ErrorContains(t, err, "unknown data type")

	_, err = ReadSafetensors(bytes.NewReader([]byte{1, 2}))
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteSafetensors(f, StateDict{"logvar": ml.Zeros(4)}))
	require.NoError(t, f.Close())

	sd, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"logvar"}, sd.Keys())

	_, err = Load(filepath.Join(dir, "model.onnx"))
	require.Error(t, err)
}

func TestFilter(t *testing.T) {
	sd := StateDict{
		"cond_stage_model.transformer.w": ml.Zeros(1),
		"first_stage_model.decoder.w":    ml.Zeros(1),
		"model.diffusion_model.w":        ml.Zeros(1),
	}

	deleted := sd.Filter([]string{"cond_stage_model.", "first_stage_model.", ""})
	assert.Equal(t, []string{"cond_stage_model.transformer.w", "first_stage_model.decoder.w"}, deleted)
	assert.Equal(t, []string{"model.diffusion_model.w"}, sd.Keys())

	inner := sd.WithPrefix("model.")
	assert.Equal(t, []string{"diffusion_model.w"}, inner.Keys())
}

func TestApply(t *testing.T) {
	dst := map[string]*ml.Tensor{
		"betas":  ml.Zeros(2),
		"logvar": ml.Zeros(2),
		"extra":  ml.Zeros(3),
	}

	sd := StateDict{
		"betas":      ml.MustNew([]int{2}, []float64{0.1, 0.2}),
		"extra":      ml.Zeros(5),
		"global_ema": ml.Zeros(1),
	}

	r := Apply(dst, sd)
	assert.Equal(t, []string{"logvar"}, r.Missing)
	assert.Equal(t, []string{"global_ema"}, r.Unexpected)
	assert.Equal(t, []string{"extra"}, r.Mismatched)
	assert.Equal(t, []float64{0.1, 0.2}, dst["betas"].Floats())
}
