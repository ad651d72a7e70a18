package executor

// Limit caps the number of rows its child produces.
type Limit struct {
	Child Executor
	Count int
}

func (l *Limit) Init() (*LimitExecutor, error) {
	return &LimitExecutor{child: l.Child, remaining: l.Count}, nil
}

type LimitExecutor struct {
	child     Executor
	remaining int
}

func (e *LimitExecutor) GetOutputSchema() *Schema { return e.child.GetOutputSchema() }
func (e *LimitExecutor) Init() error              { return e.child.Init() }

func (e *LimitExecutor) Next() (Tuple, RID, bool, error) {
	if e.remaining <= 0 {
		return nil, RID{}, false, nil
	}
	t, rid, ok, err := e.child.Next()
	if err != nil || !ok {
		return nil, RID{}, false, err
	}
	e.remaining--
	return t, rid, true, nil
}
