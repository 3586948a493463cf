package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeRaw creates a safetensors file from a raw header and payload.
func writeRaw(t *testing.T, path string, header map[string]any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	buf := make([]byte, 8, 8+len(headerBytes)+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestWriteThenRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "weights.safetensors")

	err := Write(path, []Entry{
		{Name: "features.conv.weight", Shape: []int{2, 1, 1, 2}, Data: []float32{1, -2, 3.5, 0}},
		{Name: "output.bias", Shape: []int{3}, Data: []float32{0.25, 0.5, 0.75}},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if got := f.Names(); len(got) != 2 || got[0] != "features.conv.weight" || got[1] != "output.bias" {
		t.Fatalf("unexpected names: %v", got)
	}
	w, info, err := f.ReadTensorF32("features.conv.weight")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if len(info.Shape) != 4 || info.Shape[3] != 2 {
		t.Fatalf("unexpected shape %v", info.Shape)
	}
	want := []float32{1, -2, 3.5, 0}
	for i := range want {
		if w[i] != want[i] {
			t.Fatalf("weight[%d]=%v want %v", i, w[i], want[i])
		}
	}
	b, _, err := f.ReadTensorF32("output.bias")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if b[2] != 0.75 {
		t.Fatalf("bias[2]=%v want 0.75", b[2])
	}
}

func TestWriteRejectsBadEntries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name    string
		entries []Entry
	}{
		{"size mismatch", []Entry{{Name: "a", Shape: []int{3}, Data: []float32{1}}}},
		{"duplicate", []Entry{{Name: "a", Shape: []int{1}, Data: []float32{1}}, {Name: "a", Shape: []int{1}, Data: []float32{2}}}},
		{"empty shape", []Entry{{Name: "a", Data: []float32{1}}}},
	}
	for _, tc := range tests {
		if err := Write(filepath.Join(dir, tc.name), tc.entries); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	if _, err := Open("/nonexistent/file.safetensors"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "truncated.safetensors")
	if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestOpenHeaderLongerThanFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "long.safetensors")
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:], 1<<20)
	if err := os.WriteFile(path, buf[:], 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for oversized header length")
	}
}

func TestInvalidDataOffsets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad_offsets.safetensors")
	writeRaw(t, path, map[string]any{
		"bad_tensor": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, nil)
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid data_offsets")
	}
}

func TestOpenRejectsOffsetsOutsidePayload(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		offsets []int64
	}{
		{"end past payload", []int64{0, 32}},
		{"start past payload", []int64{20, 24}},
		{"end before start", []int64{8, 4}},
		{"negative start", []int64{-4, 4}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "short.safetensors")
			writeRaw(t, path, map[string]any{
				"ok":  map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int64{0, 8}},
				"bad": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": tc.offsets},
			}, make([]byte, 16))
			f, err := Open(path)
			if err == nil {
				_ = f.Close()
				t.Fatal("expected error for data_offsets outside the payload")
			}
			if !strings.Contains(err.Error(), "bad") {
				t.Fatalf("error should name the tensor: %v", err)
			}
		})
	}

	// Offsets ending exactly at the end of the file are valid.
	path := filepath.Join(t.TempDir(), "exact.safetensors")
	writeRaw(t, path, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}},
	}, make([]byte, 16))
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = f.Close()
}

func TestMetadataIgnored(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "metadata.safetensors")
	writeRaw(t, path, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1":      map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}},
	}, make([]byte, 16))

	sf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = sf.Close() }()
	if len(sf.Tensors) != 1 {
		t.Fatalf("expected 1 tensor (metadata should be excluded), got %d", len(sf.Tensors))
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	if err := Write(path, []Entry{{Name: "a", Shape: []int{1}, Data: []float32{1}}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if _, ok := f.Tensor("nonexistent"); ok {
		t.Fatal("expected tensor not found")
	}
	_, _, err = f.ReadTensor("nonexistent")
	if !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("expected ErrTensorNotFound, got %v", err)
	}
}

func TestReadTensorHalfPrecision(t *testing.T) {
	t.Parallel()
	tests := []struct {
		dtype string
		bits  []uint16
		want  []float32
	}{
		{"BF16", []uint16{0x3F80, 0x4000}, []float32{1, 2}},
		{"F16", []uint16{0x3C00, 0xC000}, []float32{1, -2}},
	}
	for _, tc := range tests {
		path := filepath.Join(t.TempDir(), tc.dtype+".safetensors")
		data := make([]byte, 2*len(tc.bits))
		for i, b := range tc.bits {
			binary.LittleEndian.PutUint16(data[i*2:], b)
		}
		writeRaw(t, path, map[string]any{
			"w": map[string]any{"dtype": tc.dtype, "shape": []int{len(tc.bits)}, "data_offsets": []int64{0, int64(len(data))}},
		}, data)

		sf, err := Open(path)
		if err != nil {
			t.Fatalf("%s: Open: %v", tc.dtype, err)
		}
		got, _, err := sf.ReadTensorF32("w")
		_ = sf.Close()
		if err != nil {
			t.Fatalf("%s: ReadTensorF32: %v", tc.dtype, err)
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: element %d=%v want %v", tc.dtype, i, got[i], tc.want[i])
			}
		}
	}
}

func TestReadTensorUnsupportedDType(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "unsupported.safetensors")
	writeRaw(t, path, map[string]any{
		"test": map[string]any{"dtype": "I32", "shape": []int{2}, "data_offsets": []int64{0, 8}},
	}, make([]byte, 8))

	sf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = sf.Close() }()
	if _, _, err := sf.ReadTensorF32("test"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}
}

func TestReadAfterClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "closed.safetensors")
	if err := Write(path, []Entry{{Name: "a", Shape: []int{1}, Data: []float32{1}}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := f.ReadTensor("a"); err == nil {
		t.Fatal("expected error reading closed file")
	}
}
