// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"github.com/asch/bds3/internal/store"
)

// Null implementation of the Store interface. Usefull for measuring the
// performance of the layers stacked on top of it without any backend
// traffic. Otherwise useless. It can also serve as a template for a new
// backend implementation since it is a minimal implementation of the Store
// interface. Unlike the other stores it keeps accepting operations after
// Shutdown and Destroy instead of failing them with ErrClosed.
type null struct {
}

func New() *null {
	return &null{}
}

func (n *null) ReadBlock(idx int64, buf []byte, expectMD5 []byte) error {
	store.ZeroFill(buf)
	return nil
}

func (n *null) WriteBlock(idx int64, buf []byte) ([]byte, error) {
	return nil, nil
}

func (n *null) ListBlocks(fn func(idx int64)) error {
	return nil
}

func (n *null) Flush() error {
	return nil
}

func (n *null) SurveyNonZero(fn func(idx int64)) error {
	return nil
}

func (n *null) Shutdown() error {
	return nil
}

func (n *null) Destroy() error {
	return nil
}

var _ store.Store = (*null)(nil)
