// Package relay implements the image-processing relay. Inbound multipart
// uploads are staged on local disk, forwarded to the processing service as
// fresh multipart requests, and the service's answer is handed back to the
// caller unchanged. Every staged file is removed once its call completes,
// whether the call succeeded or not.
package relay
