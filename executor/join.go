package executor

import (
	"github.com/Johniel/gorelly/catalog"
)

// NestedLoopJoin joins Outer against a fresh instance of Inner (built by
// InnerFactory) for every outer row, keeping only pairs where Cond holds.
// InnerFactory must return a freshly initializable executor each call, since
// the inner side is rescanned once per outer row.
type NestedLoopJoin struct {
	Outer        Executor
	InnerFactory func() (Executor, error)
	Cond         func(outer, inner Tuple) bool
}

func (j *NestedLoopJoin) Init() (*NestedLoopJoinExecutor, error) {
	return &NestedLoopJoinExecutor{outer: j.Outer, innerFactory: j.InnerFactory, cond: j.Cond}, nil
}

type NestedLoopJoinExecutor struct {
	outer        Executor
	innerFactory func() (Executor, error)
	cond         func(outer, inner Tuple) bool

	outerTuple Tuple
	outerRID   RID
	inner      Executor
	haveOuter  bool
}

func (e *NestedLoopJoinExecutor) GetOutputSchema() *Schema { return &Schema{} }
func (e *NestedLoopJoinExecutor) Init() error              { return e.outer.Init() }

func (e *NestedLoopJoinExecutor) advanceOuter() (bool, error) {
	t, rid, ok, err := e.outer.Next()
	if err != nil || !ok {
		return false, err
	}
	e.outerTuple, e.outerRID = t, rid
	e.inner, err = e.innerFactory()
	if err != nil {
		return false, err
	}
	if err := e.inner.Init(); err != nil {
		return false, err
	}
	e.haveOuter = true
	return true, nil
}

func (e *NestedLoopJoinExecutor) Next() (Tuple, RID, bool, error) {
	if !e.haveOuter {
		ok, err := e.advanceOuter()
		if err != nil || !ok {
			return nil, RID{}, false, err
		}
	}

	for {
		innerTuple, _, ok, err := e.inner.Next()
		if err != nil {
			return nil, RID{}, false, err
		}
		if !ok {
			ok, err := e.advanceOuter()
			if err != nil || !ok {
				return nil, RID{}, false, err
			}
			continue
		}
		if e.cond == nil || e.cond(e.outerTuple, innerTuple) {
			joined := append(append(Tuple{}, e.outerTuple...), innerTuple...)
			return joined, e.outerRID, true, nil
		}
	}
}

// NestedIndexJoin probes Index once per outer row instead of rescanning the
// whole inner table: OuterKey encodes the outer row's join columns into the
// exact bytes the index stores, turning the inner side into a point lookup.
type NestedIndexJoin struct {
	Ctx       *Context
	Outer     Executor
	Table     *catalog.TableSchema
	Index     *catalog.IndexDef
	OuterKey  func(outer Tuple) []byte
}

func (j *NestedIndexJoin) Init() (*NestedIndexJoinExecutor, error) {
	return &NestedIndexJoinExecutor{ctx: j.Ctx, outer: j.Outer, table: j.Table, index: j.Index, outerKey: j.OuterKey}, nil
}

type NestedIndexJoinExecutor struct {
	ctx      *Context
	outer    Executor
	table    *catalog.TableSchema
	index    *catalog.IndexDef
	outerKey func(Tuple) []byte

	outerTuple Tuple
	outerRID   RID
	inner      *IndexScanExecutor
	haveOuter  bool
}

func (e *NestedIndexJoinExecutor) GetOutputSchema() *Schema { return &Schema{} }
func (e *NestedIndexJoinExecutor) Init() error              { return e.outer.Init() }

func (e *NestedIndexJoinExecutor) advanceOuter() (bool, error) {
	t, rid, ok, err := e.outer.Next()
	if err != nil || !ok {
		return false, err
	}
	e.outerTuple, e.outerRID = t, rid

	scan := &IndexScan{
		Ctx:        e.ctx,
		Table:      e.table,
		Index:      e.index,
		StartKey:   e.outerKey(t),
		SearchOnly: true,
	}
	inner, err := scan.Init()
	if err != nil {
		return false, err
	}
	e.inner = inner
	e.haveOuter = true
	return true, nil
}

func (e *NestedIndexJoinExecutor) Next() (Tuple, RID, bool, error) {
	if !e.haveOuter {
		ok, err := e.advanceOuter()
		if err != nil || !ok {
			return nil, RID{}, false, err
		}
	}

	for {
		innerTuple, _, ok, err := e.inner.Next()
		if err != nil {
			return nil, RID{}, false, err
		}
		if !ok {
			ok, err := e.advanceOuter()
			if err != nil || !ok {
				return nil, RID{}, false, err
			}
			continue
		}
		joined := append(append(Tuple{}, e.outerTuple...), innerTuple...)
			return joined, e.outerRID, true, nil
	}
}
