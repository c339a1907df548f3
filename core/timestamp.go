package core

import "fmt"

// Timestamp is a hybrid logical clock reading: a physical wall-clock
// component in microseconds, a logical tie-breaker, and the node that
// produced it. Total order is lexicographic on (Wall, Logical, Node).
type Timestamp struct {
	Wall    int64
	Logical uint32
	Node    uint32
}

// Zero is the timestamp used as the "no prior mutation" sentinel.
var Zero = Timestamp{}

// Less reports whether ts happened-before other in the HLC total order.
func (ts Timestamp) Less(other Timestamp) bool {
	if ts.Wall != other.Wall {
		return ts.Wall < other.Wall
	}
	if ts.Logical != other.Logical {
		return ts.Logical < other.Logical
	}
	return ts.Node < other.Node
}

// Greater reports whether ts strictly follows other in the HLC total order.
func (ts Timestamp) Greater(other Timestamp) bool {
	return other.Less(ts)
}

// Equal reports whether the two timestamps are identical.
func (ts Timestamp) Equal(other Timestamp) bool {
	return ts == other
}

func (ts Timestamp) String() string {
	return fmt.Sprintf("{wall:%d l:%d n:%d}", ts.Wall, ts.Logical, ts.Node)
}
