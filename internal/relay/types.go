package relay

// Route names one relay operation. It labels logs, metrics, and audit entries.
type Route string

const (
	RouteConnectivity Route = "connectivity"
	RouteHash         Route = "hash"
	RoutePixels       Route = "pixels"
	RouteResize       Route = "resize"
	RouteCompare      Route = "compare"
	RouteFilter       Route = "filter"

	routeHealth Route = "health"
)

// Multipart field names shared by inbound and outbound requests.
const (
	FieldFile          = "file"
	FieldFile1         = "file1"
	FieldFile2         = "file2"
	FieldOriginalName  = "nomeOriginal"
	FieldOriginalName1 = "nomeOriginal1"
	FieldOriginalName2 = "nomeOriginal2"
	FieldWidth         = "largura"
	FieldHeight        = "altura"
)

// Downstream paths served by the processing service.
const (
	pathRoot    = "/"
	pathHash    = "/calcula-hash"
	pathPixels  = "/calcula-pixels"
	pathResize  = "/redimensiona-imagem"
	pathCompare = "/compara-hashes"
	pathFilter  = "/filtro-imagem"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	contentTypePNG  = "image/png"
)

// SingleFileRequest carries the upload for hash, pixel, and filter calls.
type SingleFileRequest struct {
	File *StagedFile
}

// ResizeRequest carries the upload and the raw target dimensions.
type ResizeRequest struct {
	File   *StagedFile
	Width  string
	Height string
}

// CompareRequest carries the two uploads being compared.
type CompareRequest struct {
	First  *StagedFile
	Second *StagedFile
}

// ResponseKind tells the handler how to frame a relayed body.
type ResponseKind int

const (
	KindJSON ResponseKind = iota
	KindBinary
)

// Response is the downstream answer handed back to the caller.
type Response struct {
	Kind        ResponseKind
	Body        []byte
	ContentType string
}
