package dispatch

// Kind tells which outcome a Decision holds.
type Kind int

const (
	KindSelected Kind = iota + 1
	KindDeclined
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSelected:
		return "selected"
	case KindDeclined:
		return "declined"
	case KindFailed:
		return "failed"
	}
	return "unknown"
}

// Decision is the outcome of one routing call: exactly one of a selected teammate,
// a decline, or a dispatcher failure. The zero value is not a valid decision.
type Decision struct {
	kind Kind
	key  string
	err  error
}

func Selected(key string) Decision { return Decision{kind: KindSelected, key: key} }

func Declined() Decision { return Decision{kind: KindDeclined} }

func Failed(err error) Decision { return Decision{kind: KindFailed, err: err} }

func (d Decision) Kind() Kind { return d.kind }

// TeammateKey returns the selected key; ok is false for other outcomes.
func (d Decision) TeammateKey() (key string, ok bool) {
	return d.key, d.kind == KindSelected
}

// Err returns the failure cause, nil unless Kind is KindFailed.
func (d Decision) Err() error { return d.err }
