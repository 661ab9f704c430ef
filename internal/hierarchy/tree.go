package hierarchy

import "sync"

type OpKind int

const (
	OpStart OpKind = iota
	OpFinish
)

func (k OpKind) String() string {
	if k == OpStart {
		return "start"
	}

	return "finish"
}

// Op is a single start or finish of an item. Case is set for leaves.
type Op struct {
	Kind      OpKind
	Segment   Segment
	ParentKey string
	Case      *TestCase
}

// Tree holds the test cases collected in a session.
type Tree struct {
	builder Builder

	mu    sync.Mutex
	cases []TestCase
	byID  map[string]int
}

func NewTree(b Builder) *Tree {
	return &Tree{
		builder: b,
		byID:    map[string]int{},
	}
}

func (t *Tree) Builder() Builder {
	return t.builder
}

// Register adds the collected cases in collection order. Cases with an id
// that is already registered replace the earlier case in place.
func (t *Tree) Register(cases []TestCase) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tc := range cases {
		if i, ok := t.byID[tc.ID]; ok {
			t.cases[i] = tc
			continue
		}

		t.byID[tc.ID] = len(t.cases)
		t.cases = append(t.cases, tc)
	}
}

// Case returns the registered case with the given id.
func (t *Tree) Case(id string) (TestCase, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.byID[id]
	if !ok {
		return TestCase{}, false
	}

	return t.cases[i], true
}

func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.cases)
}

type node struct {
	segment  Segment
	parent   string
	tc       *TestCase
	children []*node
	index    map[string]*node
}

func (n *node) child(s Segment) *node {
	if c, ok := n.index[s.Key]; ok {
		return c
	}

	c := &node{segment: s, parent: n.segment.Key, index: map[string]*node{}}
	n.index[s.Key] = c
	n.children = append(n.children, c)

	return c
}

// Plan returns the depth-first start and finish operations for all
// registered cases. Siblings keep the order in which they were first
// collected, every item is started once and before any of its descendants.
func (t *Tree) Plan() []Op {
	t.mu.Lock()
	cases := make([]TestCase, len(t.cases))
	copy(cases, t.cases)
	t.mu.Unlock()

	root := &node{index: map[string]*node{}}

	for i := range cases {
		n := root

		for _, s := range t.builder.Path(cases[i]) {
			n = n.child(s)
		}

		if n.tc == nil {
			n.tc = &cases[i]
		}
	}

	var ops []Op

	var walk func(n *node)
	walk = func(n *node) {
		ops = append(ops, Op{Kind: OpStart, Segment: n.segment, ParentKey: n.parent, Case: n.tc})

		for _, c := range n.children {
			walk(c)
		}

		ops = append(ops, Op{Kind: OpFinish, Segment: n.segment, ParentKey: n.parent, Case: n.tc})
	}

	for _, c := range root.children {
		walk(c)
	}

	return ops
}
