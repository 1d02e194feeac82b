package model

import (
	"context"

	"transferflow/dataset"
	flow "transferflow/src"
)

// StreamSource adapts a dataset stream to the network's batch source; each
// pass of the network is one Iterate of the stream
func StreamSource(s *dataset.Stream) flow.BatchSource {
	return streamSource{s}
}

type streamSource struct {
	stream *dataset.Stream
}

func (s streamSource) Batches(ctx context.Context) (flow.BatchIterator, error) {
	return streamIterator{s.stream.Iterate(ctx)}, nil
}

type streamIterator struct {
	it *dataset.Iterator
}

func (s streamIterator) Next() (flow.Batch, error) {
	b, err := s.it.Next()
	if err != nil {
		return flow.Batch{}, err
	}
	return flow.Batch{Inputs: b.Images, Targets: b.Labels, Size: b.Size}, nil
}

func (s streamIterator) Close() error {
	return s.it.Close()
}
