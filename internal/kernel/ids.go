package kernel

import "github.com/google/uuid"

// IDGen generates externally-visible identifiers. Abstracted so tests can
// supply deterministic sequences.
type IDGen interface {
	NewID() string
}

type uuidGen struct{}

// NewUUIDGen returns an IDGen backed by google/uuid v4.
func NewUUIDGen() IDGen { return uuidGen{} }

func (uuidGen) NewID() string { return uuid.NewString() }

// SequentialIDGen is a deterministic IDGen for tests, producing ids of the
// form "<prefix>-<n>" in order.
type SequentialIDGen struct {
	Prefix string
	n      int
}

func (s *SequentialIDGen) NewID() string {
	s.n++
	if s.Prefix == "" {
		s.Prefix = "id"
	}
	return s.Prefix + "-" + itoa(s.n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
