// Package simpleimage provides an image ingestion, derivation and publishing
// pipeline with pluggable metadata repositories and blob storage backends.
//
// Uploaded raster images are resized into a fixed width schedule
// (see subpackage variants), the original and every variant are published to
// durable object storage (subpackages publisher and storage), and the result
// is recorded as an Image. Images are attached to owning content entities
// (guides, products, ...) through EntityLinks; each entity has at most one
// primary image at any committed point in time.
//
// The Service interface is the only writer of Image and EntityLink records.
// Batch processing of many uploads with per-item failure isolation lives in
// subpackage batch.
package simpleimage
