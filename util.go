package main

import "sort"

// sortStrings sorts a string slice in place. Pulled into a tiny helper so
// call sites read as intent ("stable key ordering") rather than a bare
// sort.Strings smeared across the file.
func sortStrings(ss []string) {
	sort.Strings(ss)
}
