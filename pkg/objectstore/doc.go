// Package objectstore is the capability interface over the bucket that
// holds avatar assets, with S3, filesystem and in-memory implementations.
package objectstore
