package flow

import (
	"fmt"
	"math"
	"strings"
)

// TensorInfo captures tensor state for error reporting
type TensorInfo struct {
	Shape      []int
	Size       int
	NaNCount   int
	InfCount   int
	MinValue   float64
	MaxValue   float64
	BadIndices []int // first 10 corrupted indices
}

// Format returns a compact string representation
func (t *TensorInfo) Format() string {
	s := fmt.Sprintf("%v size=%d", t.Shape, t.Size)
	if t.NaNCount > 0 || t.InfCount > 0 {
		s += fmt.Sprintf(" (corrupt: %d NaN, %d Inf)", t.NaNCount, t.InfCount)
	} else {
		s += fmt.Sprintf(" range=[%.4f, %.4f]", t.MinValue, t.MaxValue)
	}
	return s
}

// FlowError is the standard error type for shape and numeric failures
type FlowError struct {
	Component    string // "Dense", "Conv2D", "Network", ...
	ErrorType    string // "shape mismatch", "NaN detected"
	LayerIndex   int    // 0-indexed position, -1 when not tied to a layer
	LayerName    string
	Phase        string // "build", "forward", "backward", "loss"
	InputInfo    *TensorInfo
	OutputInfo   *TensorInfo
	ExpectedInfo string
	Cause        string
}

// Error implements the error interface
func (e *FlowError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "flow: %s %s", e.Component, e.ErrorType)
	if e.LayerIndex >= 0 {
		fmt.Fprintf(&b, " at layer %d", e.LayerIndex)
	}
	if e.LayerName != "" {
		fmt.Fprintf(&b, " %q", e.LayerName)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " during %s", e.Phase)
	}
	if e.InputInfo != nil {
		fmt.Fprintf(&b, "\n  input:    %s", e.InputInfo.Format())
	}
	if e.OutputInfo != nil {
		fmt.Fprintf(&b, "\n  output:   %s", e.OutputInfo.Format())
	}
	if e.ExpectedInfo != "" {
		fmt.Fprintf(&b, "\n  expected: %s", e.ExpectedInfo)
	}
	if e.Cause != "" {
		fmt.Fprintf(&b, "\n  cause:    %s", e.Cause)
	}
	return b.String()
}

// scanTensor checks for NaN/Inf and collects stats
func scanTensor(t *tensor) *TensorInfo {
	if t == nil {
		return nil
	}

	info := &TensorInfo{
		Shape:      t.shape,
		Size:       len(t.data),
		MinValue:   math.Inf(1),
		MaxValue:   math.Inf(-1),
		BadIndices: make([]int, 0, 10),
	}

	for i, v := range t.data {
		switch {
		case math.IsNaN(v):
			info.NaNCount++
		case math.IsInf(v, 0):
			info.InfCount++
		default:
			info.MinValue = math.Min(info.MinValue, v)
			info.MaxValue = math.Max(info.MaxValue, v)
			continue
		}
		if len(info.BadIndices) < 10 {
			info.BadIndices = append(info.BadIndices, i)
		}
	}

	if math.IsInf(info.MinValue, 1) {
		info.MinValue = 0
	}
	if math.IsInf(info.MaxValue, -1) {
		info.MaxValue = 0
	}
	return info
}

func shapeError(component string, layerIndex int, phase string, got []int, expected string) *FlowError {
	return &FlowError{
		Component:    component,
		ErrorType:    "shape mismatch",
		LayerIndex:   layerIndex,
		Phase:        phase,
		ExpectedInfo: expected,
		Cause:        fmt.Sprintf("got shape %v", got),
	}
}

// checkFinite reports a FlowError when out holds NaN or Inf values
func checkFinite(out *tensor, component string, layerIndex int, phase string) error {
	if !hasNonFinite(out.data) {
		return nil
	}
	info := scanTensor(out)
	errType := "Inf detected"
	if info.NaNCount > 0 {
		errType = "NaN detected"
	}
	return &FlowError{
		Component:  component,
		ErrorType:  errType,
		LayerIndex: layerIndex,
		Phase:      phase,
		OutputInfo: info,
		Cause:      fmt.Sprintf("%d NaN, %d Inf values at indices %v", info.NaNCount, info.InfCount, info.BadIndices),
	}
}
