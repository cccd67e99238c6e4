package util

// Set is an unordered collection of unique comparable values
type Set[K comparable] map[K]struct{}

// SetOf builds a Set from the given elements
func SetOf[K comparable](elements ...K) Set[K] {
	s := make(Set[K], len(elements))
	s.Add(elements...)
	return s
}

// Add inserts the given elements, ignoring duplicates
func (s Set[K]) Add(elements ...K) {
	for _, elem := range elements {
		s[elem] = struct{}{}
	}
}

// Remove drops an element; removing an absent element is a no-op
func (s Set[K]) Remove(key K) {
	delete(s, key)
}

// Contains reports whether the element is present
func (s Set[K]) Contains(key K) bool {
	_, exists := s[key]
	return exists
}

// Len returns the number of elements
func (s Set[K]) Len() int {
	return len(s)
}

// IsEmpty reports whether the set has no elements
func (s Set[K]) IsEmpty() bool {
	return len(s) == 0
}
