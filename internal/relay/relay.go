package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
)

// Relay implements one operation per relay route on top of a Downstream.
type Relay struct {
	downstream *Downstream
	logger     *slog.Logger
}

// New creates a Relay that forwards to downstream.
func New(downstream *Downstream, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{downstream: downstream, logger: logger}
}

// Connectivity checks that the processing service answers on its root path
// and relays whatever it returned.
func (r *Relay) Connectivity(ctx context.Context) (Response, error) {
	body, err := r.downstream.Get(ctx, RouteConnectivity, pathRoot)
	if err != nil {
		return Response{}, downstreamError("Erro ao iniciar conexão", err)
	}
	return jsonResponse(body), nil
}

// Hash forwards the upload to the content hash endpoint.
func (r *Relay) Hash(ctx context.Context, req SingleFileRequest) (Response, error) {
	return r.relaySingle(ctx, RouteHash, pathHash, "Erro ao calcular hash", req)
}

// Pixels forwards the upload to the pixel analysis endpoint.
func (r *Relay) Pixels(ctx context.Context, req SingleFileRequest) (Response, error) {
	return r.relaySingle(ctx, RoutePixels, pathPixels, "Erro ao calcular pixels", req)
}

func (r *Relay) relaySingle(ctx context.Context, route Route, path, failure string, req SingleFileRequest) (Response, error) {
	defer req.File.Release()
	if req.File == nil {
		return Response{}, errMissingFile()
	}
	parts := []Part{
		{Name: FieldFile, File: req.File},
		{Name: FieldOriginalName, Value: req.File.OriginalName},
	}
	body, err := r.downstream.PostMultipart(ctx, route, path, parts)
	if err != nil {
		return Response{}, downstreamError(failure, err)
	}
	return jsonResponse(body), nil
}

// Resize forwards the upload and the requested dimensions. The processing
// service answers with PNG bytes.
func (r *Relay) Resize(ctx context.Context, req ResizeRequest) (Response, error) {
	defer req.File.Release()
	if req.File == nil {
		return Response{}, errMissingFile()
	}
	width, height := strings.TrimSpace(req.Width), strings.TrimSpace(req.Height)
	if width == "" || height == "" {
		return Response{}, errMissingDimensions()
	}
	if !positiveInt(width) || !positiveInt(height) {
		return Response{}, errInvalidDimensions()
	}
	parts := []Part{
		{Name: FieldFile, File: req.File},
		{Name: FieldWidth, Value: width},
		{Name: FieldHeight, Value: height},
	}
	body, err := r.downstream.PostMultipart(ctx, RouteResize, pathResize, parts)
	if err != nil {
		return Response{}, downstreamError("Erro ao redimensionar imagem", err)
	}
	return binaryResponse(body), nil
}

// Compare forwards both uploads to the hash comparison endpoint.
func (r *Relay) Compare(ctx context.Context, req CompareRequest) (Response, error) {
	defer req.First.Release()
	defer req.Second.Release()
	if req.First == nil || req.Second == nil {
		return Response{}, errMissingFiles()
	}
	parts := []Part{
		{Name: FieldFile1, File: req.First},
		{Name: FieldOriginalName1, Value: req.First.OriginalName},
		{Name: FieldFile2, File: req.Second},
		{Name: FieldOriginalName2, Value: req.Second.OriginalName},
	}
	body, err := r.downstream.PostMultipart(ctx, RouteCompare, pathCompare, parts)
	if err != nil {
		return Response{}, downstreamError("Erro ao comparar hashes", err)
	}
	return jsonResponse(body), nil
}

// Filter forwards the upload to the image filter endpoint and relays the PNG
// it produces.
func (r *Relay) Filter(ctx context.Context, req SingleFileRequest) (Response, error) {
	defer req.File.Release()
	if req.File == nil {
		return Response{}, errMissingFile()
	}
	body, err := r.downstream.PostMultipart(ctx, RouteFilter, pathFilter, []Part{{Name: FieldFile, File: req.File}})
	if err != nil {
		return Response{}, downstreamError("Erro ao processar imagem", err)
	}
	return binaryResponse(body), nil
}

// Ping reports whether the processing service is reachable.
func (r *Relay) Ping(ctx context.Context) error {
	_, err := r.downstream.Get(ctx, routeHealth, pathRoot)
	return err
}

// jsonResponse passes valid JSON through untouched and encodes anything else
// as a JSON string.
func jsonResponse(body []byte) Response {
	if !json.Valid(body) {
		encoded, err := json.Marshal(string(body))
		if err == nil {
			body = encoded
		}
	}
	return Response{Kind: KindJSON, Body: body, ContentType: contentTypeJSON}
}

func binaryResponse(body []byte) Response {
	return Response{Kind: KindBinary, Body: body, ContentType: contentTypePNG}
}

func positiveInt(value string) bool {
	n, err := strconv.Atoi(value)
	return err == nil && n > 0
}
