package geo

// Accumulator keeps the ordered route of fixes and yields the distance
// travelled since the previous fix. It is not safe for concurrent use; the
// owning session serialises access.
type Accumulator struct {
	route []Coordinate
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// AddFix appends c to the route and returns the haversine distance in km
// from the previous fix. The first fix of a route always yields 0.
func (a *Accumulator) AddFix(c Coordinate) float64 {
	var d float64
	if n := len(a.route); n > 0 {
		d = Distance(a.route[n-1], c)
	}
	a.route = append(a.route, c)
	return d
}

// Route returns a copy of the fixes in insertion order.
func (a *Accumulator) Route() []Coordinate {
	out := make([]Coordinate, len(a.route))
	copy(out, a.route)
	return out
}

// Last returns the most recent fix, if any.
func (a *Accumulator) Last() (Coordinate, bool) {
	if len(a.route) == 0 {
		return Coordinate{}, false
	}
	return a.route[len(a.route)-1], true
}

// Len returns the number of fixes on the route.
func (a *Accumulator) Len() int {
	return len(a.route)
}

// Reset clears the route. The next AddFix is treated as a first fix.
func (a *Accumulator) Reset() {
	a.route = nil
}
