// Package objstore stores knowledge files, either on Aliyun OSS or a local
// directory for development installs. It also issues scoped, short-lived STS
// credentials so the web client can upload directly to the user's prefix.
package objstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crypto/rand"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	"github.com/aliyun/alibaba-cloud-sdk-go/services/sts"
	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

type Config struct {
	Provider           string
	Endpoint           string
	Region             string
	Bucket             string
	BasePrefix         string
	AccessKeyID        string
	AccessKeySecret    string
	STSRoleARN         string
	STSDurationSeconds int
	LocalDir           string
}

type STSCredentials struct {
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
	SecurityToken   string `json:"security_token"`
	Expiration      string `json:"expiration"`

	Provider   string   `json:"provider"`
	Bucket     string   `json:"bucket"`
	Endpoint   string   `json:"endpoint"`
	Region     string   `json:"region"`
	BasePrefix string   `json:"base_prefix"`
	Prefixes   []string `json:"prefixes,omitempty"`
}

type Store interface {
	PutObject(ctx context.Context, key string, contentType string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

type STSAssumer interface {
	AssumeRole(ctx context.Context, sessionName, policy string, durationSeconds int) (STSCredentials, error)
}

// UserKnowledgePrefix scopes every knowledge object to its owner.
func UserKnowledgePrefix(userID string) string {
	return "knowledge/" + userID + "/"
}

func JoinKey(basePrefix, key string) string {
	basePrefix = strings.Trim(strings.TrimSpace(basePrefix), "/")
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if basePrefix == "" {
		return key
	}
	if key == "" {
		return basePrefix
	}
	return basePrefix + "/" + key
}

func NewStore(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "local":
		if strings.TrimSpace(cfg.LocalDir) == "" {
			return nil, errors.New("TEACHCHARLIE_OSS_LOCAL_DIR is required when TEACHCHARLIE_OSS_PROVIDER=local")
		}
		return localStore{root: cfg.LocalDir, basePrefix: cfg.BasePrefix}, nil
	case "aliyun":
		if cfg.Endpoint == "" || cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" || cfg.Bucket == "" {
			return nil, errors.New("missing OSS config for aliyun provider")
		}
		client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
		if err != nil {
			return nil, err
		}
		bucket, err := client.Bucket(cfg.Bucket)
		if err != nil {
			return nil, err
		}
		return aliyunStore{bucket: bucket, basePrefix: cfg.BasePrefix}, nil
	default:
		return nil, errors.New("unsupported OSS provider (set TEACHCHARLIE_OSS_PROVIDER=aliyun|local)")
	}
}

func NewSTSAssumer(cfg Config) (STSAssumer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "local":
		return localSTS{cfg: cfg}, nil
	case "aliyun":
		if cfg.Region == "" {
			return nil, errors.New("TEACHCHARLIE_OSS_REGION is required when TEACHCHARLIE_OSS_PROVIDER=aliyun")
		}
		if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" || cfg.STSRoleARN == "" {
			return nil, errors.New("missing STS config (TEACHCHARLIE_OSS_ACCESS_KEY_ID/SECRET + TEACHCHARLIE_OSS_STS_ROLE_ARN)")
		}
		client, err := sts.NewClientWithAccessKey(cfg.Region, cfg.AccessKeyID, cfg.AccessKeySecret)
		if err != nil {
			return nil, err
		}
		return aliyunSTS{client: client, roleARN: cfg.STSRoleARN}, nil
	default:
		return nil, errors.New("unsupported OSS provider (set TEACHCHARLIE_OSS_PROVIDER=aliyun|local)")
	}
}

type localStore struct {
	root       string
	basePrefix string
}

func (s localStore) PutObject(ctx context.Context, key string, contentType string, body []byte) error {
	_ = ctx
	_ = contentType
	fullKey := JoinKey(s.basePrefix, key)
	p := filepath.Join(s.root, filepath.FromSlash(fullKey))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	// Best-effort atomic write.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s localStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	fullKey := JoinKey(s.basePrefix, key)
	return os.ReadFile(filepath.Join(s.root, filepath.FromSlash(fullKey)))
}

func (s localStore) DeleteObject(ctx context.Context, key string) error {
	_ = ctx
	fullKey := JoinKey(s.basePrefix, key)
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(fullKey)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s localStore) Exists(ctx context.Context, key string) (bool, error) {
	_ = ctx
	fullKey := JoinKey(s.basePrefix, key)
	_, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(fullKey)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

type aliyunStore struct {
	bucket     *oss.Bucket
	basePrefix string
}

func (s aliyunStore) PutObject(ctx context.Context, key string, contentType string, body []byte) error {
	_ = ctx
	fullKey := JoinKey(s.basePrefix, key)
	opts := []oss.Option{}
	if strings.TrimSpace(contentType) != "" {
		opts = append(opts, oss.ContentType(contentType))
	}
	return s.bucket.PutObject(fullKey, bytes.NewReader(body), opts...)
}

func (s aliyunStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	fullKey := JoinKey(s.basePrefix, key)
	rc, err := s.bucket.GetObject(fullKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s aliyunStore) DeleteObject(ctx context.Context, key string) error {
	_ = ctx
	fullKey := JoinKey(s.basePrefix, key)
	return s.bucket.DeleteObject(fullKey)
}

func (s aliyunStore) Exists(ctx context.Context, key string) (bool, error) {
	_ = ctx
	fullKey := JoinKey(s.basePrefix, key)
	return s.bucket.IsObjectExist(fullKey)
}

type localSTS struct {
	cfg Config
}

func (s localSTS) AssumeRole(ctx context.Context, sessionName, policy string, durationSeconds int) (STSCredentials, error) {
	_ = ctx
	_ = sessionName
	_ = policy
	if durationSeconds <= 0 {
		durationSeconds = s.cfg.STSDurationSeconds
	}
	exp := time.Now().Add(time.Duration(durationSeconds) * time.Second).UTC().Format(time.RFC3339)

	tokenBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, tokenBytes); err != nil {
		return STSCredentials{}, err
	}
	return STSCredentials{
		Provider:        "local",
		AccessKeyID:     "local",
		AccessKeySecret: "local",
		SecurityToken:   base64.RawURLEncoding.EncodeToString(tokenBytes),
		Expiration:      exp,
		Bucket:          s.cfg.Bucket,
		Endpoint:        s.cfg.Endpoint,
		Region:          s.cfg.Region,
		BasePrefix:      strings.Trim(strings.TrimSpace(s.cfg.BasePrefix), "/"),
	}, nil
}

type aliyunSTS struct {
	client  *sts.Client
	roleARN string
}

func (s aliyunSTS) AssumeRole(ctx context.Context, sessionName, policy string, durationSeconds int) (STSCredentials, error) {
	_ = ctx
	req := sts.CreateAssumeRoleRequest()
	req.Scheme = "https"
	req.RoleArn = s.roleARN
	req.RoleSessionName = sessionName
	req.Policy = policy
	req.DurationSeconds = requests.NewInteger(durationSeconds)

	// SDK doesn't take context; best-effort.
	resp, err := s.client.AssumeRole(req)
	if err != nil {
		return STSCredentials{}, err
	}
	if resp == nil || resp.Credentials.AccessKeyId == "" {
		return STSCredentials{}, errors.New("sts assume role returned empty credentials")
	}
	return STSCredentials{
		Provider:        "aliyun_sts",
		AccessKeyID:     resp.Credentials.AccessKeyId,
		AccessKeySecret: resp.Credentials.AccessKeySecret,
		SecurityToken:   resp.Credentials.SecurityToken,
		Expiration:      resp.Credentials.Expiration,
	}, nil
}

// BuildUploadPolicy restricts issued credentials to read/write under the
// given prefixes of one bucket.
func BuildUploadPolicy(bucket string, allowReadPrefixes, allowWritePrefixes []string) (string, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return "", errors.New("missing bucket")
	}

	type statement struct {
		Effect   string   `json:"Effect"`
		Action   []string `json:"Action"`
		Resource []string `json:"Resource"`
	}

	dedupe := func(in []string) []string {
		out := make([]string, 0, len(in))
		seen := map[string]struct{}{}
		for _, p := range in {
			p = strings.TrimLeft(strings.TrimSpace(p), "/")
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
		return out
	}

	resources := func(prefixes []string) []string {
		out := make([]string, 0, len(prefixes))
		for _, p := range prefixes {
			if strings.HasSuffix(p, "*") {
				out = append(out, fmt.Sprintf("acs:oss:*:*:%s/%s", bucket, p))
				continue
			}
			out = append(out, fmt.Sprintf("acs:oss:*:*:%s/%s*", bucket, p))
		}
		return out
	}

	var stmts []statement
	if read := dedupe(allowReadPrefixes); len(read) > 0 {
		stmts = append(stmts, statement{
			Effect:   "Allow",
			Action:   []string{"oss:GetObject"},
			Resource: resources(read),
		})
	}
	if write := dedupe(allowWritePrefixes); len(write) > 0 {
		stmts = append(stmts, statement{
			Effect:   "Allow",
			Action:   []string{"oss:PutObject"},
			Resource: resources(write),
		})
	}

	policy := map[string]any{
		"Version":   "1",
		"Statement": stmts,
	}
	b, err := json.Marshal(policy)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
