// Package httpapi exposes a storage pipeline over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/xgblob/pkg/blob"
	"github.com/jacktea/xgblob/pkg/gc"
	"github.com/jacktea/xgblob/pkg/xerrors"
)

// Blobs is the storage surface served. *pipeline.Pipeline satisfies it.
type Blobs interface {
	Store(ctx context.Context, bucket blob.BucketName, data []byte) (blob.ID, error)
	StoreAs(ctx context.Context, bucket blob.BucketName, logicalID blob.ID, data []byte) (blob.ID, error)
	Read(ctx context.Context, bucket blob.BucketName, id blob.ID) ([]byte, error)
	ReadAs(ctx context.Context, bucket blob.BucketName, logicalID blob.ID) ([]byte, error)
	Delete(ctx context.Context, bucket blob.BucketName, id blob.ID) error
	DeleteAs(ctx context.Context, bucket blob.BucketName, logicalID blob.ID) error
	ListBuckets(ctx context.Context) ([]blob.BucketName, error)
}

// Server exposes Blobs over a small HTTP+JSON API.
type Server struct {
	Blobs Blobs
	// Sweeper enables POST /gc when set.
	Sweeper *gc.Sweeper
	Log     logrus.FieldLogger
	Opts    Options
}

// Options configure auth, rate limiting and request size.
type Options struct {
	APIKey    string
	RateLimit RateLimitOptions
	// MaxBodyBytes caps uploads; zero selects 64 MiB.
	MaxBodyBytes int64
}

const defaultMaxBody = 64 << 20

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	return srv.ListenAndServe()
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /buckets", s.listBuckets)
	mux.HandleFunc("POST /buckets/{bucket}/blobs", s.storeBlob)
	mux.HandleFunc("GET /buckets/{bucket}/blobs/{id}", s.readBlob)
	mux.HandleFunc("DELETE /buckets/{bucket}/blobs/{id}", s.deleteBlob)
	mux.HandleFunc("PUT /buckets/{bucket}/logical/{id}", s.storeLogical)
	mux.HandleFunc("GET /buckets/{bucket}/logical/{id}", s.readLogical)
	mux.HandleFunc("DELETE /buckets/{bucket}/logical/{id}", s.deleteLogical)
	mux.HandleFunc("POST /gc", s.runGC)
	return s.applyMiddleware(mux)
}

type storeResponse struct {
	Bucket blob.BucketName `json:"bucket"`
	ID     blob.ID         `json:"id"`
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := s.Opts.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBody
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return data, true
}

func (s *Server) storeBlob(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	bucket := blob.BucketName(r.PathValue("bucket"))
	id, err := s.Blobs.Store(r.Context(), bucket, data)
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, storeResponse{Bucket: bucket, ID: id})
}

func (s *Server) storeLogical(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	bucket := blob.BucketName(r.PathValue("bucket"))
	id, err := s.Blobs.StoreAs(r.Context(), bucket, blob.ID(r.PathValue("id")), data)
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, storeResponse{Bucket: bucket, ID: id})
}

func (s *Server) readBlob(w http.ResponseWriter, r *http.Request) {
	data, err := s.Blobs.Read(r.Context(), blob.BucketName(r.PathValue("bucket")), blob.ID(r.PathValue("id")))
	writeBlob(s, w, data, err)
}

func (s *Server) readLogical(w http.ResponseWriter, r *http.Request) {
	data, err := s.Blobs.ReadAs(r.Context(), blob.BucketName(r.PathValue("bucket")), blob.ID(r.PathValue("id")))
	writeBlob(s, w, data, err)
}

func writeBlob(s *Server, w http.ResponseWriter, data []byte, err error) {
	if err != nil {
		s.httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) deleteBlob(w http.ResponseWriter, r *http.Request) {
	if err := s.Blobs.Delete(r.Context(), blob.BucketName(r.PathValue("bucket")), blob.ID(r.PathValue("id"))); err != nil {
		s.httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteLogical(w http.ResponseWriter, r *http.Request) {
	if err := s.Blobs.DeleteAs(r.Context(), blob.BucketName(r.PathValue("bucket")), blob.ID(r.PathValue("id"))); err != nil {
		s.httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.Blobs.ListBuckets(r.Context())
	if err != nil {
		s.httpError(w, err)
		return
	}
	if buckets == nil {
		buckets = []blob.BucketName{}
	}
	writeJSON(w, http.StatusOK, map[string][]blob.BucketName{"buckets": buckets})
}

func (s *Server) runGC(w http.ResponseWriter, r *http.Request) {
	if s.Sweeper == nil {
		http.Error(w, "garbage collection is not enabled", http.StatusNotImplemented)
		return
	}
	removed, err := s.Sweeper.Sweep(r.Context())
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindInvalid:
		return http.StatusBadRequest
	case xerrors.KindMismatch, xerrors.KindStrategy:
		return http.StatusConflict
	case xerrors.KindIO:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) httpError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger().WithError(err).WithField("status", status).Error("request failed")
	}
	http.Error(w, err.Error(), status)
}
