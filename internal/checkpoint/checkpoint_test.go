package checkpoint

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func sampleSchema() Schema {
	return Schema{
		"encoder.Wx": {4, 2},
		"encoder.b":  {4, 1},
	}
}

func sampleParams() Parameters {
	return Parameters{
		"encoder.Wx": mat.NewDense(4, 2, []float64{1, 2, 3, 4, 5, 6, 7, 8}),
		"encoder.b":  mat.NewDense(4, 1, []float64{0.1, 0.2, 0.3, 0.4}),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")

	header := Header{
		DiffusionConfigJSON: json.RawMessage(`{"num_steps":100}`),
		AssetRegistryJSON:   json.RawMessage(`{"AAPL":0}`),
		PosteriorVariance:   "beta",
		BestValLoss:         0.1234,
		Epoch:               7,
	}
	params := sampleParams()

	if err := Save(path, header, params); err != nil {
		t.Fatalf("Save: %v", err)
	}

	gotHeader, gotParams, err := Load(path, sampleSchema())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if gotHeader.BestValLoss != 0.1234 || gotHeader.Epoch != 7 || gotHeader.PosteriorVariance != "beta" {
		t.Errorf("header mismatch: %+v", gotHeader)
	}
	for name, want := range params {
		got, ok := gotParams[name]
		if !ok {
			t.Fatalf("missing tensor %q after round trip", name)
		}
		if !mat.Equal(want, got) {
			t.Errorf("tensor %q mismatch: want %v, got %v", name, want, got)
		}
	}
}

func TestLoadRejectsShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")

	if err := Save(path, Header{}, sampleParams()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	badSchema := Schema{
		"encoder.Wx": {2, 2}, // wrong shape
		"encoder.b":  {4, 1},
	}
	if _, _, err := Load(path, badSchema); err == nil {
		t.Fatal("expected Fatal error on shape mismatch")
	}
}

func TestLoadRejectsMissingParameter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")

	params := Parameters{"encoder.Wx": mat.NewDense(4, 2, make([]float64, 8))}
	if err := Save(path, Header{}, params); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, _, err := Load(path, sampleSchema()); err == nil {
		t.Fatal("expected Fatal error on missing parameter")
	}
}

func TestValidateRejectsUnexpectedParameter(t *testing.T) {
	params := sampleParams()
	params["extra.unknown"] = mat.NewDense(1, 1, []float64{1})
	if err := Validate(params, sampleSchema()); err == nil {
		t.Fatal("expected error for unexpected parameter")
	}
}
