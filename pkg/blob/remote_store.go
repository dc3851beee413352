package blob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jacktea/xgblob/pkg/xerrors"
)

// RemoteStore persists blobs in an S3-compatible object store. Pipeline
// buckets become key prefixes inside a single remote bucket:
// <endpoint>/<remote bucket>/<bucket>/<id>.
type RemoteStore struct {
	client  *http.Client
	baseURL string
	signer  Signer
	cache   *expirable.LRU[string, []byte]
}

// RemoteConfig is a generic configuration used by provider helpers.
type RemoteConfig struct {
	Endpoint     string
	Bucket       string
	Client       *http.Client
	CacheEntries int // 0 selects the default size, negative disables caching
	CacheTTL     time.Duration
}

// Signer signs HTTP requests for remote providers.
type Signer interface {
	Sign(req *http.Request, payloadHash string) error
}

// NewRemoteStore builds a RemoteStore with a signer.
func NewRemoteStore(cfg RemoteConfig, signer Signer) (*RemoteStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("remote store requires endpoint and bucket")
	}
	bucket := strings.Trim(cfg.Bucket, "/")
	if bucket == "" {
		return nil, fmt.Errorf("remote store bucket invalid")
	}
	if signer == nil {
		return nil, fmt.Errorf("remote store requires a signer")
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheEntries == 0 {
		cfg.CacheEntries = 512
	}
	var readCache *expirable.LRU[string, []byte]
	if cfg.CacheEntries > 0 {
		readCache = expirable.NewLRU[string, []byte](cfg.CacheEntries, nil, cfg.CacheTTL)
	}
	return &RemoteStore{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.Endpoint, "/") + "/" + bucket,
		signer:  signer,
		cache:   readCache,
	}, nil
}

// Put uploads a blob via HTTP PUT.
func (r *RemoteStore) Put(ctx context.Context, bucket BucketName, id ID, data []byte) error {
	if err := checkKey("RemoteStore.Put", bucket, id); err != nil {
		return err
	}
	md5Sum := md5.Sum(data)
	payloadDigest := sha256.Sum256(data)
	payloadHash := hex.EncodeToString(payloadDigest[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.objectURL(bucket, id), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	resp, err := r.do(req, payloadHash)
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "RemoteStore.Put", keyOf(bucket, id), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return remoteError("RemoteStore.Put", keyOf(bucket, id), resp)
	}
	r.cacheDrop(bucket, id)
	return nil
}

// Get retrieves a blob via HTTP GET.
func (r *RemoteStore) Get(ctx context.Context, bucket BucketName, id ID) ([]byte, error) {
	if err := checkKey("RemoteStore.Get", bucket, id); err != nil {
		return nil, err
	}
	if data, ok := r.cacheGet(bucket, id); ok {
		return data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.objectURL(bucket, id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.do(req, emptyPayloadHash())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "RemoteStore.Get", keyOf(bucket, id), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, notFound("RemoteStore.Get", bucket, id)
	}
	if resp.StatusCode >= 300 {
		return nil, remoteError("RemoteStore.Get", keyOf(bucket, id), resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "RemoteStore.Get", keyOf(bucket, id), err)
	}
	r.cachePut(bucket, id, data)
	return data, nil
}

// Delete removes a blob. A missing object is not an error.
func (r *RemoteStore) Delete(ctx context.Context, bucket BucketName, id ID) error {
	if err := checkKey("RemoteStore.Delete", bucket, id); err != nil {
		return err
	}
	r.cacheDrop(bucket, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.objectURL(bucket, id), nil)
	if err != nil {
		return err
	}
	resp, err := r.do(req, emptyPayloadHash())
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "RemoteStore.Delete", keyOf(bucket, id), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return remoteError("RemoteStore.Delete", keyOf(bucket, id), resp)
	}
	return nil
}

type listBucketResult struct {
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
	CommonPrefixes        []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
}

// ListBuckets enumerates the top-level key prefixes of the remote bucket.
func (r *RemoteStore) ListBuckets(ctx context.Context) ([]BucketName, error) {
	seen := make(map[BucketName]struct{})
	token := ""
	for {
		query := url.Values{}
		query.Set("list-type", "2")
		query.Set("delimiter", "/")
		if token != "" {
			query.Set("continuation-token", token)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"?"+query.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.do(req, emptyPayloadHash())
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindIO, "RemoteStore.ListBuckets", "", err)
		}
		if resp.StatusCode >= 300 {
			err := remoteError("RemoteStore.ListBuckets", "", resp)
			resp.Body.Close()
			return nil, err
		}
		var result listBucketResult
		err = xml.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindIO, "RemoteStore.ListBuckets", "", err)
		}
		for _, prefix := range result.CommonPrefixes {
			name := strings.TrimSuffix(prefix.Prefix, "/")
			if name != "" {
				seen[BucketName(name)] = struct{}{}
			}
		}
		if !result.IsTruncated || result.NextContinuationToken == "" {
			break
		}
		token = result.NextContinuationToken
	}
	out := make([]BucketName, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *RemoteStore) do(req *http.Request, payloadHash string) (*http.Response, error) {
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("Host", req.URL.Host)
	if err := r.signer.Sign(req, payloadHash); err != nil {
		return nil, err
	}
	return r.client.Do(req)
}

func (r *RemoteStore) objectURL(bucket BucketName, id ID) string {
	return r.baseURL + "/" + url.PathEscape(string(bucket)) + "/" + url.PathEscape(string(id))
}

func (r *RemoteStore) cacheGet(bucket BucketName, id ID) ([]byte, bool) {
	if r.cache == nil {
		return nil, false
	}
	data, ok := r.cache.Get(keyOf(bucket, id))
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (r *RemoteStore) cachePut(bucket BucketName, id ID, data []byte) {
	if r.cache == nil || len(data) == 0 {
		return
	}
	r.cache.Add(keyOf(bucket, id), append([]byte(nil), data...))
}

func (r *RemoteStore) cacheDrop(bucket BucketName, id ID) {
	if r.cache != nil {
		r.cache.Remove(keyOf(bucket, id))
	}
}

func remoteError(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return xerrors.Wrap(xerrors.KindIO, op, key, fmt.Errorf("%s: %s", resp.Status, string(body)))
}

func emptyPayloadHash() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

// S3Config describes the parameters for AWS S3-compatible stores.
type S3Config struct {
	RemoteConfig
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// NewS3Store builds a RemoteStore with AWS SigV4 signing.
func NewS3Store(cfg S3Config) (*RemoteStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Region == "" {
		return nil, fmt.Errorf("s3 store requires access key, secret key, and region")
	}
	signer := &s3Signer{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		region:    cfg.Region,
		token:     cfg.SessionToken,
	}
	return NewRemoteStore(cfg.RemoteConfig, signer)
}

type s3Signer struct {
	accessKey string
	secretKey string
	region    string
	token     string
	now       func() time.Time
}

func (s *s3Signer) Sign(req *http.Request, payloadHash string) error {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	t := now().UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	if s.token != "" {
		req.Header.Set("x-amz-security-token", s.token)
	}
	if payloadHash == "" {
		payloadHash = emptyPayloadHash()
	}
	canonicalHeaders, signedHeaders := canonicalHeaderStrings(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQueryString(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hashedRequest := sha256.Sum256([]byte(canonicalRequest))
	credentialScope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hex.EncodeToString(hashedRequest[:]),
	}, "\n")
	kDate := hmacSHA256([]byte("AWS4"+s.secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, s.region)
	kService := hmacSHA256(kRegion, "s3")
	signingKey := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
	req.Header.Set("Authorization", fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.accessKey, credentialScope, signedHeaders, signature))
	return nil
}

func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	values, _ := url.ParseQuery(u.RawQuery)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// canonicalHeaderStrings signs host, content-md5 and every x-amz-* header.
func canonicalHeaderStrings(req *http.Request) (string, string) {
	values := map[string]string{"host": req.URL.Host}
	for k, v := range req.Header {
		lk := strings.ToLower(k)
		if lk == "content-md5" || lk == "content-type" || strings.HasPrefix(lk, "x-amz-") {
			values[lk] = strings.TrimSpace(strings.Join(v, ","))
		}
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + ":" + values[k] + "\n")
	}
	return b.String(), strings.Join(keys, ";")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
