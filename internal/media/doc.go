// Package media renders what the index derives from image content.
//
// PreviewGenerator writes JPEG previews into the cache directory, keyed by
// content hash. Fingerprinter computes 64-bit difference hashes for
// similarity search; Distance compares two of them. Both decode through
// DecodeConstrained, which downscales very large images before work starts.
//
// Supported formats: jpeg, png, gif and webp. When InitVips has been called,
// anything libvips can load (HEIC, AVIF, TIFF and more) is decoded through it
// instead. Other content is reported as indexer.ErrUnsupported so the job is
// not retried.
package media
