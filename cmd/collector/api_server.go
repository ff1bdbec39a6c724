package main

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/galdor/go-log"
	"github.com/galdor/go-service/pkg/shttp"
	"github.com/galdor/go-telemetry/pkg/telemetry"
	"github.com/klauspost/compress/gzip"
)

type APIServer struct {
	Service *Service
	Log     *log.Logger
}

func NewAPIServer(s *Service, logger *log.Logger) (*APIServer, error) {
	api := APIServer{
		Service: s,
		Log:     logger,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/v1", "POST", api.hBatchPOST)
	api.Route("/v1/settings/:writeKey", "GET", api.hSettingsGET)
	api.Route("/v1/stats", "GET", api.hStatsGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hBatchPOST(h *shttp.Handler) {
	cfg := api.Service.Cfg.Collector

	data, err := readRequestBody(h.Request, telemetry.MaxBodySize)
	if err != nil {
		h.ReplyError(400, "invalid_request_body", "%v", err)
		return
	}

	batch, err := telemetry.DecodeBatch(data)
	if err != nil {
		h.ReplyError(400, "invalid_batch", "cannot decode batch: %v", err)
		return
	}

	if _, found := api.Service.WriteKeySettings(batch.WriteKey); !found {
		h.ReplyError(404, "unknown_write_key", "unknown write key %q",
			batch.WriteKey)
		return
	}

	if cfg.FailureRate > 0.0 && rand.Float64() < cfg.FailureRate {
		api.Service.stats.AddRejectedBatch(batch.WriteKey)

		if cfg.RetryAfter > 0 {
			h.ResponseWriter.Header().Set("Retry-After",
				strconv.Itoa(cfg.RetryAfter))
		}

		h.ReplyError(503, "service_unavailable", "batch rejected")
		return
	}

	api.Service.stats.AddBatch(batch.WriteKey, len(batch.Events), len(data),
		time.Now().UTC())

	api.Log.Debug(1, "received %d events for write key %q (sent at %s)",
		len(batch.Events), batch.WriteKey, batch.SentAt)

	h.ReplyEmpty(200)
}

func (api *APIServer) hSettingsGET(h *shttp.Handler) {
	writeKey := h.PathVariable("writeKey")

	settings, found := api.Service.WriteKeySettings(writeKey)
	if !found {
		// Clients identify unknown write keys by this exact body.
		h.ReplyText(404, telemetry.InvalidWriteKeyBody)
		return
	}

	h.ReplyJSON(200, settings)
}

func (api *APIServer) hStatsGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.stats.All())
}

func readRequestBody(req *http.Request, maxSize int) ([]byte, error) {
	var r io.Reader = req.Body

	switch encoding := req.Header.Get("Content-Encoding"); encoding {
	case "", "identity":
	case "gzip":
		gzipReader, err := gzip.NewReader(req.Body)
		if err != nil {
			return nil, fmt.Errorf("cannot decode gzip data: %w", err)
		}
		defer gzipReader.Close()

		r = gzipReader

	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	data, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("cannot read body: %w", err)
	}

	if len(data) > maxSize {
		return nil, fmt.Errorf("body larger than %d bytes", maxSize)
	}

	return data, nil
}
