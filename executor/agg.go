package executor

import "encoding/binary"

// AggregateFunc selects which aggregate an AggregateExpr computes.
type AggregateFunc int

const (
	AggCount AggregateFunc = iota
	AggSum
	AggMin
	AggMax
	AggAvg
)

// AggregateExpr names one aggregate column: the function and the input
// column it reduces over. Column is ignored for AggCount.
type AggregateExpr struct {
	Func   AggregateFunc
	Column int
}

func decodeInt64(b []byte) int64 {
	var n int64
	for _, c := range b {
		n = n<<8 | int64(c)
	}
	return n
}

func encodeInt64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

type aggState struct {
	count int64
	sum   int64
	min   int64
	max   int64
	seen  bool
}

// Aggregation groups its child's rows by GroupBy column values and emits one
// output row per group: the group-by columns followed by each aggregate's
// result, in the order given. It is a blocking operator — Init fully drains
// the child before the first row is available, since a group's result isn't
// known until every row that could belong to it has been seen.
//
// Having and Project stand in for the plan's (out-of-scope) expression
// evaluator: Having is checked against a finished group's key and aggregate
// values before the group is allowed to survive into the output, and
// Project rebuilds the emitted row from the same two inputs, mirroring how
// an output-schema column expression is evaluated against the aggregate
// hash table's key and value parts. Both are optional; a nil Having keeps
// every group, a nil Project emits the raw group-by-then-aggregates row.
type Aggregation struct {
	Child      Executor
	GroupBy    []int
	Aggregates []AggregateExpr
	Having     func(groupKey Tuple, aggregates []int64) bool
	Project    func(groupKey Tuple, aggregates []int64) Tuple
	Schema     *Schema
}

func (a *Aggregation) Init() (*AggregationExecutor, error) {
	e := &AggregationExecutor{
		child:      a.Child,
		groupBy:    a.GroupBy,
		aggregates: a.Aggregates,
		having:     a.Having,
		project:    a.Project,
		schema:     a.Schema,
	}
	if e.schema == nil {
		e.schema = &Schema{}
	}
	if err := e.run(); err != nil {
		return nil, err
	}
	return e, nil
}

type AggregationExecutor struct {
	child      Executor
	groupBy    []int
	aggregates []AggregateExpr
	having     func(Tuple, []int64) bool
	project    func(Tuple, []int64) Tuple
	schema     *Schema
	results    []Tuple
	pos        int
}

func (e *AggregationExecutor) GetOutputSchema() *Schema { return e.schema }
func (e *AggregationExecutor) Init() error              { return nil }

func (e *AggregationExecutor) run() error {
	if err := e.child.Init(); err != nil {
		return err
	}

	var order []string
	states := make(map[string][]*aggState)
	keys := make(map[string]Tuple)

	for {
		t, _, ok, err := e.child.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		groupKey := make(Tuple, len(e.groupBy))
		for i, col := range e.groupBy {
			groupKey[i] = t[col]
		}
		key := string(encodeTuple(groupKey))

		st, exists := states[key]
		if !exists {
			st = make([]*aggState, len(e.aggregates))
			for i := range st {
				st[i] = &aggState{}
			}
			states[key] = st
			keys[key] = groupKey
			order = append(order, key)
		}

		for i, agg := range e.aggregates {
			s := st[i]
			s.count++
			if agg.Func == AggCount {
				continue
			}
			v := decodeInt64(t[agg.Column])
			if !s.seen {
				s.sum, s.min, s.max = v, v, v
				s.seen = true
			} else {
				s.sum += v
				if v < s.min {
					s.min = v
				}
				if v > s.max {
					s.max = v
				}
			}
		}
	}

	for _, key := range order {
		st := states[key]
		aggregates := make([]int64, len(e.aggregates))
		for i, agg := range e.aggregates {
			s := st[i]
			switch agg.Func {
			case AggCount:
				aggregates[i] = s.count
			case AggSum:
				aggregates[i] = s.sum
			case AggMin:
				aggregates[i] = s.min
			case AggMax:
				aggregates[i] = s.max
			case AggAvg:
				if s.count > 0 {
					aggregates[i] = s.sum / s.count
				}
			}
		}

		groupKey := keys[key]
		if e.having != nil && !e.having(groupKey, aggregates) {
			continue
		}

		if e.project != nil {
			e.results = append(e.results, e.project(groupKey, aggregates))
			continue
		}

		row := append(Tuple{}, groupKey...)
		for _, v := range aggregates {
			row = append(row, encodeInt64(v))
		}
		e.results = append(e.results, row)
	}
	return nil
}

func encodeTuple(t Tuple) []byte {
	var b []byte
	for _, elem := range t {
		length := make([]byte, 4)
		binary.BigEndian.PutUint32(length, uint32(len(elem)))
		b = append(b, length...)
		b = append(b, elem...)
	}
	return b
}

func (e *AggregationExecutor) Next() (Tuple, RID, bool, error) {
	if e.pos >= len(e.results) {
		return nil, RID{}, false, nil
	}
	row := e.results[e.pos]
	e.pos++
	return row, RID{}, true, nil
}
