// Package mediatypes derives advisory type hints for indexed content.
//
// It is a dependency-free leaf package so every other package can import it
// without cycles. A Hint is stored on a blob when the blob is resolved and is
// used to decide which downstream jobs apply:
//
//	hint := mediatypes.Sniff(path, head)
//	if hint.Type == mediatypes.TypeImage {
//	    // preview and similarity jobs apply
//	}
//
// ContainerFormat reports whether a file is an archive the index materializes
// into virtual assets.
package mediatypes
