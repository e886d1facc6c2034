package update

// Result is the merged success value of an update.
//
// For plain writes and deletes, Applied reports whether the operation took
// effect (a filtered write that found a non-matching current value completes
// successfully with Applied=false) and Value carries the previous value when
// the caller asked for it. For transforms, Out carries the per-key output
// map; a later attempt's outputs merge over an earlier attempt's per key.
type Result struct {
	Out     map[string][]byte `json:"out,omitempty"`
	Value   []byte            `json:"value,omitempty"`
	Applied bool              `json:"applied"`
}

// mergeTransform folds another transform result into this one; keys present
// in other win.
func (r *Result) mergeTransform(other *Result) {
	if other == nil || len(other.Out) == 0 {
		return
	}
	if r.Out == nil {
		r.Out = make(map[string][]byte, len(other.Out))
	}
	for k, v := range other.Out {
		r.Out[k] = v
	}
}
