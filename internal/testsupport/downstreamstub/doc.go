// Package downstreamstub hosts a deterministic fake of the image processing
// service for relay tests. It records every multipart call it receives and
// answers with canned JSON or PNG bodies, or with a configured failure.
package downstreamstub
