package engine

import "fmt"

// Op identifies a request kind
type Op int

const (
	OpGet Op = iota + 1
	OpPut
	OpRemove
	OpListKeys
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpRemove:
		return "remove"
	case OpListKeys:
		return "list_keys"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Request is a single engine request. Value is only read by OpPut and Key is
// ignored by OpListKeys.
type Request struct {
	Op    Op
	Key   string
	Value []byte
}

// OutcomeKind identifies an outcome variant
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailed
	OutcomeEmpty
	OutcomeValue
	OutcomeKeyList
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeEmpty:
		return "empty"
	case OutcomeValue:
		return "value"
	case OutcomeKeyList:
		return "key_list"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of a request. Value is set for OutcomeValue, Keys
// for OutcomeKeyList and Err for OutcomeFailed.
type Outcome struct {
	Kind  OutcomeKind
	Value []byte
	Keys  []string
	Err   error
}

func success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

func empty() Outcome {
	return Outcome{Kind: OutcomeEmpty}
}

func value(data []byte) Outcome {
	return Outcome{Kind: OutcomeValue, Value: data}
}

func keyList(keys []string) Outcome {
	return Outcome{Kind: OutcomeKeyList, Keys: keys}
}

// failed builds a Failed outcome wrapping sentinel and, when present, cause
func failed(sentinel error, reason string, cause error) Outcome {
	if cause == nil {
		return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("%s: %w", reason, sentinel)}
	}
	return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("%s: %w: %w", reason, sentinel, cause)}
}
