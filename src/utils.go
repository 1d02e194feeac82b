package flow

import (
	"fmt"
	"math/rand"
)

// shuffleRows permutes sample rows of inputs and targets in lockstep
func shuffleRows(inputs, targets *tensor, rng *rand.Rand) {
	n := inputs.shape[0]
	inputCols := inputs.size() / n
	targetCols := targets.size() / n

	rng.Shuffle(n, func(i, j int) {
		for k := 0; k < inputCols; k++ {
			inputs.data[i*inputCols+k], inputs.data[j*inputCols+k] =
				inputs.data[j*inputCols+k], inputs.data[i*inputCols+k]
		}
		for k := 0; k < targetCols; k++ {
			targets.data[i*targetCols+k], targets.data[j*targetCols+k] =
				targets.data[j*targetCols+k], targets.data[i*targetCols+k]
		}
	})
}

// sliceRows returns a view of rows [start, start+count) clipped to the tensor
func sliceRows(data *tensor, start, count int) *tensor {
	total := data.shape[0]
	end := start + count
	if end > total {
		end = total
	}
	per := data.size() / total
	shape := append([]int{end - start}, data.shape[1:]...)
	return wrapTensor(data.data[start*per:end*per], shape...)
}

// splitRows splits off the trailing valFraction of rows for validation
func splitRows(inputs, targets *tensor, valFraction float64) (trainX, trainY, valX, valY *tensor) {
	n := inputs.shape[0]
	valSize := int(float64(n) * valFraction)
	trainSize := n - valSize
	trainX = sliceRows(inputs, 0, trainSize)
	trainY = sliceRows(targets, 0, trainSize)
	if valSize > 0 {
		valX = sliceRows(inputs, trainSize, valSize)
		valY = sliceRows(targets, trainSize, valSize)
	}
	return trainX, trainY, valX, valY
}

// toTensor packs rows into a [len(rows), shape...] tensor
func toTensor(rows [][]float64, shape []int) (*tensor, error) {
	per := shapeSize(shape)
	t := newTensor(append([]int{len(rows)}, shape...)...)
	for i, row := range rows {
		if len(row) != per {
			return nil, errorf("row %d has %d values, expected %d for shape %v", i, len(row), per, shape)
		}
		copy(t.data[i*per:], row)
	}
	return t, nil
}

// errorf creates a formatted error
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("flow: "+format, args...)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
