package flow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ulikunitz/xz"
)

// LayerWeights holds one layer's trainable parameters followed by its
// non-trainable state (batch norm running statistics)
type LayerWeights struct {
	Name   string      `json:"name"`
	Params [][]float64 `json:"params"`
	Shapes [][]int     `json:"shapes"`
}

// Weights is a serializable snapshot of a network's tensors, one entry per
// top-level layer
type Weights struct {
	Layers []LayerWeights `json:"layers"`
}

func layerTensors(l Layer) []*tensor {
	return append(append([]*tensor(nil), l.parameters()...), layerState(l)...)
}

// Weights returns a deep copy of every layer's tensors
func (n *Network) Weights() *Weights {
	w := &Weights{Layers: make([]LayerWeights, len(n.layers))}
	for i, l := range n.layers {
		lw := LayerWeights{Name: l.name()}
		for _, t := range layerTensors(l) {
			lw.Params = append(lw.Params, append([]float64(nil), t.data...))
			lw.Shapes = append(lw.Shapes, append([]int(nil), t.shape...))
		}
		w.Layers[i] = lw
	}
	return w
}

// SetWeights restores a full snapshot; layer count, names and shapes must match
func (n *Network) SetWeights(w *Weights) error {
	if len(w.Layers) != len(n.layers) {
		return errorf("weights hold %d layers, network has %d", len(w.Layers), len(n.layers))
	}
	return n.SetLayerWeights(0, w.Layers)
}

// SetLayerWeights restores layers[start:start+len(layers)], leaving the rest
// untouched. Used to load a pretrained feature extractor into a larger model.
func (n *Network) SetLayerWeights(start int, layers []LayerWeights) error {
	if start < 0 || start+len(layers) > len(n.layers) {
		return errorf("weights for layers [%d, %d) out of range [0, %d)", start, start+len(layers), len(n.layers))
	}
	// validate everything before copying so a mismatch leaves the network intact
	for j, lw := range layers {
		i := start + j
		l := n.layers[i]
		if lw.Name != l.name() {
			return errorf("layer %d: weights are for %q, network has %q", i, lw.Name, l.name())
		}
		tensors := layerTensors(l)
		if len(lw.Params) != len(tensors) || len(lw.Shapes) != len(tensors) {
			return errorf("layer %d (%s): weights hold %d tensors, layer has %d", i, l.name(), len(lw.Params), len(tensors))
		}
		for k, t := range tensors {
			if !sameShape(lw.Shapes[k], t.shape) || len(lw.Params[k]) != t.size() {
				return shapeError("Weights", i, "load", lw.Shapes[k], fmt.Sprintf("tensor %d shaped %v", k, t.shape))
			}
		}
	}
	for j, lw := range layers {
		for k, t := range layerTensors(n.layers[start+j]) {
			copy(t.data, lw.Params[k])
		}
	}
	return nil
}

func isXZ(path string) bool {
	return strings.HasSuffix(path, ".xz")
}

// SaveWeights writes w as JSON, xz-compressed when path ends in .xz
func SaveWeights(path string, w *Weights) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errorf("create weights %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	var out io.Writer = bw
	var xw *xz.Writer
	if isXZ(path) {
		if xw, err = xz.NewWriter(bw); err != nil {
			return errorf("xz writer: %w", err)
		}
		out = xw
	}
	if err = json.NewEncoder(out).Encode(w); err != nil {
		return errorf("encode weights %s: %w", path, err)
	}
	if xw != nil {
		if err = xw.Close(); err != nil {
			return errorf("xz close: %w", err)
		}
	}
	return bw.Flush()
}

// LoadWeights reads a file written by SaveWeights
func LoadWeights(path string) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errorf("open weights %s: %w", path, err)
	}
	defer f.Close()

	var in io.Reader = bufio.NewReader(f)
	if isXZ(path) {
		if in, err = xz.NewReader(in); err != nil {
			return nil, errorf("xz reader %s: %w", path, err)
		}
	}
	w := &Weights{}
	if err := json.NewDecoder(in).Decode(w); err != nil {
		return nil, errorf("decode weights %s: %w", path, err)
	}
	return w, nil
}

// Save writes all network tensors to path
func (n *Network) Save(path string) error {
	return SaveWeights(path, n.Weights())
}

// Load restores all network tensors from path
func (n *Network) Load(path string) error {
	w, err := LoadWeights(path)
	if err != nil {
		return err
	}
	return n.SetWeights(w)
}
