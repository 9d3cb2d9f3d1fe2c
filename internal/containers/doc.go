// Package containers materializes the entries of archive files so the index
// can track them as virtual assets.
//
// Zip, tar and gzip-compressed tar are detected from their leading bytes.
// Every regular entry is hashed in one sequential pass with hashing.Stream;
// directories, links and entries whose names would escape the archive are
// skipped. Anything else is reported as indexer.ErrUnsupported.
package containers
