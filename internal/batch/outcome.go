package batch

// Outcome is the tagged result of processing one work item. Exactly one
// outcome exists per input item; a failed worker never removes its slot.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Fulfilled reports whether the worker completed without error.
func (o Outcome[T]) Fulfilled() bool {
	return o.Err == nil
}

// Values returns the values of all fulfilled outcomes, in input order.
func Values[T any](outcomes []Outcome[T]) []T {
	var vals []T
	for _, o := range outcomes {
		if o.Fulfilled() {
			vals = append(vals, o.Value)
		}
	}
	return vals
}

// Flatten concatenates the slices of all fulfilled outcomes, in input order.
func Flatten[T any](outcomes []Outcome[[]T]) []T {
	var out []T
	for _, o := range outcomes {
		if o.Fulfilled() {
			out = append(out, o.Value...)
		}
	}
	return out
}
