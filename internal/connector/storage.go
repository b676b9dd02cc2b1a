package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/skillgate/skillgate/internal/fault"
	"go.uber.org/zap"
)

// StorageConnector wraps an HTTP object store. The pipeline uses it to
// archive skill artifacts and validation reports off-box.
type StorageConnector struct {
	cfg    Config
	client *client
	bucket string
}

// NewStorageConnector creates a storage connector. The bucket name
// comes from the connector's extra config.
func NewStorageConnector(cfg Config, meter *Meter, logger *zap.Logger) *StorageConnector {
	return &StorageConnector{
		cfg:    cfg,
		client: newClient(cfg, meter, logger),
		bucket: cfg.Extra["bucket"],
	}
}

func (s *StorageConnector) ID() string   { return s.cfg.ID }
func (s *StorageConnector) Name() string { return s.cfg.Name }

func (s *StorageConnector) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.cfg.Endpoint, url.PathEscape(s.bucket), url.PathEscape(key))
}

func (s *StorageConnector) headers() map[string]string {
	h := map[string]string{"Content-Type": "application/octet-stream"}
	if s.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + s.cfg.APIKey
	}
	return h
}

// Put uploads an object.
func (s *StorageConnector) Put(ctx context.Context, key string, data []byte) (*CallRecord, error) {
	_, rec, err := s.client.do(ctx, http.MethodPut, s.objectURL(key), s.headers(), data, "put")
	return rec, err
}

// Get downloads an object.
func (s *StorageConnector) Get(ctx context.Context, key string) ([]byte, *CallRecord, error) {
	return s.client.do(ctx, http.MethodGet, s.objectURL(key), s.headers(), nil, "get")
}

// Call implements the generic connector surface with "put" and "get"
// operations; object bytes travel base64-encoded in the payload.
func (s *StorageConnector) Call(ctx context.Context, req *Request) (*Result, error) {
	var payload struct {
		Key  string `json:"key"`
		Data string `json:"data,omitempty"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	switch req.Operation {
	case "put":
		raw, err := base64.StdEncoding.DecodeString(payload.Data)
		if err != nil {
			return nil, fmt.Errorf("decode object data: %w", err)
		}
		rec, err := s.Put(ctx, payload.Key, raw)
		if err != nil {
			return nil, err
		}
		return resultFrom(rec, map[string]string{"key": payload.Key}), nil
	case "get":
		raw, rec, err := s.Get(ctx, payload.Key)
		if err != nil {
			return nil, err
		}
		return resultFrom(rec, map[string]string{
			"key":  payload.Key,
			"data": base64.StdEncoding.EncodeToString(raw),
		}), nil
	default:
		return nil, fault.New(fault.NotFound, "connector %s has no operation %q", s.cfg.ID, req.Operation)
	}
}

func resultFrom(rec *CallRecord, v interface{}) *Result {
	data, _ := json.Marshal(v)
	return &Result{Data: data, CostMicros: rec.CostMicros, Latency: rec.Latency, Attempts: rec.Attempts}
}
