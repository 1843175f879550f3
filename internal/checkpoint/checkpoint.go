// Package checkpoint implements the named-tensor checkpoint format: a
// schema-validated map of gonum matrices plus a JSON header, written
// atomically (temp file + rename, mirroring the teacher's strategy-file
// persistence discipline applied here to model state).
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/diffstock/coreengine/internal/errkind"
)

// Schema declares the expected shape of every named tensor a checkpoint
// must carry. Produced by diffusion.Schema(cfg, assetCount) and checked against on
// load.
type Schema map[string][2]int // name -> (rows, cols)

// Parameters is the named tensor map persisted and loaded by this
// package. Keys must match a Schema's names exactly; values are dense
// gonum matrices.
type Parameters map[string]*mat.Dense

// Header is the JSON metadata embedded in a checkpoint file, identifying
// the model configuration and training provenance it belongs to.
type Header struct {
	DiffusionConfigJSON json.RawMessage `json:"diffusion_config"`
	AssetRegistryJSON   json.RawMessage `json:"asset_registry"`
	PosteriorVariance   string          `json:"posterior_variance"` // "beta" (this implementation's fixed choice)
	BestValLoss         float64         `json:"best_val_loss"`
	Epoch               int             `json:"epoch"`
}

const magic = "DFSTKCKPT1"

// Save writes params and header to path atomically: the full content is
// written to a sibling temp file in the same directory, then renamed over
// path. A reader never observes a partial file.
func Save(path string, header Header, params Parameters) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return errkind.Wrap(errkind.Transient, "checkpoint.Save", "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	if werr := writeAll(w, header, params); werr != nil {
		tmp.Close()
		return errkind.Wrap(errkind.Transient, "checkpoint.Save", "write checkpoint body", werr)
	}
	if werr := w.Flush(); werr != nil {
		tmp.Close()
		return errkind.Wrap(errkind.Transient, "checkpoint.Save", "flush", werr)
	}
	if werr := tmp.Sync(); werr != nil {
		tmp.Close()
		return errkind.Wrap(errkind.Transient, "checkpoint.Save", "fsync", werr)
	}
	if werr := tmp.Close(); werr != nil {
		return errkind.Wrap(errkind.Transient, "checkpoint.Save", "close temp file", werr)
	}
	if werr := os.Rename(tmpPath, path); werr != nil {
		return errkind.Wrap(errkind.Transient, "checkpoint.Save", "rename into place", werr)
	}
	return nil
}

func writeAll(w io.Writer, header Header, params Parameters) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(headerBytes))); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic layout

	if err := binary.Write(w, binary.LittleEndian, uint32(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		m := params[name]
		r, c := m.Dims()
		if err := writeString(w, name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(r)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(c)); err != nil {
			return err
		}
		data := m.RawMatrix().Data
		if len(data) != r*c {
			// Non-contiguous view; fall back to element-wise extraction.
			flat := make([]float64, 0, r*c)
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					flat = append(flat, m.At(i, j))
				}
			}
			data = flat
		}
		for _, v := range data {
			if err := binary.Write(w, binary.LittleEndian, math.Float64bits(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// Load reads a checkpoint file and validates it against schema, failing
// with errkind.Fatal on any name/shape mismatch (the ModelParameters
// invariant from the data model: every declared parameter must exist with
// matching shape).
func Load(path string, schema Schema) (Header, Parameters, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, errkind.Wrap(errkind.BadInput, "checkpoint.Load", "open checkpoint", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header, params, err := readAll(r)
	if err != nil {
		return Header{}, nil, errkind.Wrap(errkind.Fatal, "checkpoint.Load", "parse checkpoint", err)
	}
	if err := Validate(params, schema); err != nil {
		return Header{}, nil, err
	}
	return header, params, nil
}

// LoadHeader reads only a checkpoint's header, skipping schema
// validation. Callers use this to recover the DiffusionConfig and asset
// registry a checkpoint was trained with, which is itself the input
// needed to build the Schema that a subsequent Load call validates
// against.
func LoadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, errkind.Wrap(errkind.BadInput, "checkpoint.LoadHeader", "open checkpoint", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header, _, err := readAll(r)
	if err != nil {
		return Header{}, errkind.Wrap(errkind.Fatal, "checkpoint.LoadHeader", "parse checkpoint", err)
	}
	return header, nil
}

func readAll(r io.Reader) (Header, Parameters, error) {
	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return Header{}, nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magicBuf) != magic {
		return Header{}, nil, fmt.Errorf("bad magic %q, not a checkpoint file", magicBuf)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return Header{}, nil, fmt.Errorf("read header length: %w", err)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return Header{}, nil, fmt.Errorf("read header: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Header{}, nil, fmt.Errorf("unmarshal header: %w", err)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return Header{}, nil, fmt.Errorf("read tensor count: %w", err)
	}
	params := make(Parameters, count)
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return Header{}, nil, fmt.Errorf("read tensor name: %w", err)
		}
		var rows, cols uint32
		if err := binary.Read(r, binary.LittleEndian, &rows); err != nil {
			return Header{}, nil, fmt.Errorf("read rows for %s: %w", name, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &cols); err != nil {
			return Header{}, nil, fmt.Errorf("read cols for %s: %w", name, err)
		}
		n := int(rows) * int(cols)
		data := make([]float64, n)
		for j := 0; j < n; j++ {
			var bits uint64
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return Header{}, nil, fmt.Errorf("read data for %s: %w", name, err)
			}
			data[j] = math.Float64frombits(bits)
		}
		params[name] = mat.NewDense(int(rows), int(cols), data)
	}
	return header, params, nil
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Validate checks that params carries exactly the tensors schema
// declares, each with the declared shape. Extra or missing tensors, or a
// shape mismatch, are all errkind.Fatal.
func Validate(params Parameters, schema Schema) error {
	for name, shape := range schema {
		m, ok := params[name]
		if !ok {
			return errkind.New(errkind.Fatal, "checkpoint.Validate", fmt.Sprintf("missing parameter %q", name))
		}
		r, c := m.Dims()
		if r != shape[0] || c != shape[1] {
			return errkind.New(errkind.Fatal, "checkpoint.Validate",
				fmt.Sprintf("parameter %q has shape (%d,%d), schema declares (%d,%d)", name, r, c, shape[0], shape[1]))
		}
	}
	for name := range params {
		if _, ok := schema[name]; !ok {
			return errkind.New(errkind.Fatal, "checkpoint.Validate", fmt.Sprintf("unexpected parameter %q not in schema", name))
		}
	}
	return nil
}
