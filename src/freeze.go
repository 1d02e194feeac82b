package flow

import (
	"fmt"
	"sort"
	"strings"
)

// frozenState tracks which layer indices are frozen. It lives on the network
// so the Layer interface stays unchanged.
type frozenState struct {
	frozen map[int]bool
}

// LayerFreezeInfo contains information about a layer's freeze status
type LayerFreezeInfo struct {
	Index      int
	Name       string
	Frozen     bool
	Parameters int
}

// Freeze freezes the specified layer indices. Frozen layers run in inference
// mode (batch norm uses running statistics, dropout is off) and receive no
// optimizer updates.
func (n *Network) Freeze(indices ...int) error {
	if n.frozenState == nil {
		n.frozenState = &frozenState{frozen: make(map[int]bool)}
	}

	for _, idx := range indices {
		if idx < 0 || idx >= len(n.layers) {
			return errorf("layer index %d out of range [0, %d)", idx, len(n.layers))
		}
		n.frozenState.frozen[idx] = true
	}
	return nil
}

// Unfreeze unfreezes the specified layer indices, allowing their weights to update
func (n *Network) Unfreeze(indices ...int) error {
	if n.frozenState == nil {
		return nil
	}

	for _, idx := range indices {
		if idx < 0 || idx >= len(n.layers) {
			return errorf("layer index %d out of range [0, %d)", idx, len(n.layers))
		}
		delete(n.frozenState.frozen, idx)
	}
	return nil
}

// FreezeTo freezes all layers from index 0 to endIndex (exclusive)
func (n *Network) FreezeTo(endIndex int) error {
	if endIndex < 0 || endIndex > len(n.layers) {
		return errorf("end index %d out of range [0, %d]", endIndex, len(n.layers))
	}

	indices := make([]int, endIndex)
	for i := 0; i < endIndex; i++ {
		indices[i] = i
	}
	return n.Freeze(indices...)
}

// UnfreezeAll unfreezes all layers in the network
func (n *Network) UnfreezeAll() {
	if n.frozenState != nil {
		n.frozenState.frozen = make(map[int]bool)
	}
}

// IsFrozen returns whether a specific layer is frozen
func (n *Network) IsFrozen(index int) bool {
	if n.frozenState == nil {
		return false
	}
	return n.frozenState.frozen[index]
}

// FrozenLayers returns the sorted indices of all frozen layers
func (n *Network) FrozenLayers() []int {
	if n.frozenState == nil {
		return nil
	}

	result := make([]int, 0, len(n.frozenState.frozen))
	for idx := range n.frozenState.frozen {
		result = append(result, idx)
	}
	sort.Ints(result)
	return result
}

func paramCount(l Layer) int {
	total := 0
	for _, p := range l.parameters() {
		total += p.size()
	}
	return total
}

// LayerInfo returns information about all layers including their freeze status
func (n *Network) LayerInfo() []LayerFreezeInfo {
	result := make([]LayerFreezeInfo, len(n.layers))
	for i, layer := range n.layers {
		result[i] = LayerFreezeInfo{
			Index:      i,
			Name:       layer.name(),
			Frozen:     n.IsFrozen(i),
			Parameters: paramCount(layer),
		}
	}
	return result
}

// TrainableParameters returns the total count of trainable (non-frozen) parameters
func (n *Network) TrainableParameters() int {
	total := 0
	for i, layer := range n.layers {
		if !n.IsFrozen(i) {
			total += paramCount(layer)
		}
	}
	return total
}

// TotalParameters returns the total count of all parameters
func (n *Network) TotalParameters() int {
	total := 0
	for _, layer := range n.layers {
		total += paramCount(layer)
	}
	return total
}

// trainableParamsAndGrads returns the parameters and gradients of non-frozen layers
func (n *Network) trainableParamsAndGrads() ([]*tensor, []*tensor) {
	var params []*tensor
	var grads []*tensor

	for i, layer := range n.layers {
		if !n.IsFrozen(i) {
			params = append(params, layer.parameters()...)
			grads = append(grads, layer.gradients()...)
		}
	}
	return params, grads
}

// firstTrainable is the lowest index backward has to reach; layers below it
// are frozen and need no gradients
func (n *Network) firstTrainable() int {
	for i, layer := range n.layers {
		if !n.IsFrozen(i) && len(layer.parameters()) > 0 {
			return i
		}
	}
	return len(n.layers)
}

// FreezeSummary returns a human-readable summary of frozen/unfrozen layers
func (n *Network) FreezeSummary() string {
	var b strings.Builder
	b.WriteString("Layer Freeze Status\n")
	b.WriteString("===================\n")

	trainableParams := 0
	frozenParams := 0

	for _, info := range n.LayerInfo() {
		status := "trainable"
		if info.Frozen {
			status = "FROZEN"
			frozenParams += info.Parameters
		} else {
			trainableParams += info.Parameters
		}
		fmt.Fprintf(&b, "Layer %d: %-18s %d params [%s]\n", info.Index, info.Name, info.Parameters, status)
	}

	b.WriteString("===================\n")
	fmt.Fprintf(&b, "Trainable params: %d\n", trainableParams)
	fmt.Fprintf(&b, "Frozen params:    %d\n", frozenParams)
	fmt.Fprintf(&b, "Total params:     %d\n", trainableParams+frozenParams)
	return b.String()
}
