package listing

// scrollState is the convergence bookkeeping of one Collect call.
type scrollState struct {
	seen      int
	stuck     int
	iteration int
}

// observe records the entry count after an iteration and reports whether
// the list has converged: the count has not grown (and is non-zero) for
// threshold consecutive iterations.
func (s *scrollState) observe(count, threshold int) bool {
	if count == s.seen && count > 0 {
		s.stuck++
		if s.stuck >= threshold {
			return true
		}
	} else {
		s.stuck = 0
	}
	s.seen = count
	return false
}
