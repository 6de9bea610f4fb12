package objstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinKey(t *testing.T) {
	require.Equal(t, "a/b", JoinKey("a", "b"))
	require.Equal(t, "a/b", JoinKey("/a/", "/b"))
	require.Equal(t, "b", JoinKey("", "b"))
	require.Equal(t, "a", JoinKey("a", ""))
}

func TestUserKnowledgePrefix(t *testing.T) {
	require.Equal(t, "knowledge/u-1/", UserKnowledgePrefix("u-1"))
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewStore(Config{Provider: "local", LocalDir: t.TempDir(), BasePrefix: "base"})
	require.NoError(t, err)

	ctx := context.Background()
	key := "knowledge/u1/doc.txt"

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, store.PutObject(ctx, key, "text/plain", []byte("content")))

	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	got, err := store.GetObject(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("content"), got)

	require.NoError(t, store.DeleteObject(ctx, key))
	// Deleting a missing object is not an error.
	require.NoError(t, store.DeleteObject(ctx, key))

	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestNewStoreRejectsBadConfig(t *testing.T) {
	_, err := NewStore(Config{Provider: "local"})
	require.Error(t, err)

	_, err = NewStore(Config{Provider: "s3"})
	require.Error(t, err)

	_, err = NewStore(Config{})
	require.Error(t, err)
}

func TestLocalSTSIssuesCredentials(t *testing.T) {
	assumer, err := NewSTSAssumer(Config{Provider: "local", Bucket: "b", STSDurationSeconds: 900})
	require.NoError(t, err)

	creds, err := assumer.AssumeRole(context.Background(), "sess", "{}", 0)
	require.NoError(t, err)
	require.Equal(t, "local", creds.Provider)
	require.NotEmpty(t, creds.SecurityToken)
	require.NotEmpty(t, creds.Expiration)
	require.Equal(t, "b", creds.Bucket)
}

func TestBuildUploadPolicy(t *testing.T) {
	policy, err := BuildUploadPolicy("bucket", []string{"knowledge/u1/"}, []string{"knowledge/u1/", "knowledge/u1/"})
	require.NoError(t, err)

	var doc struct {
		Version   string `json:"Version"`
		Statement []struct {
			Effect   string   `json:"Effect"`
			Action   []string `json:"Action"`
			Resource []string `json:"Resource"`
		} `json:"Statement"`
	}
	require.NoError(t, json.Unmarshal([]byte(policy), &doc))
	require.Equal(t, "1", doc.Version)
	require.Len(t, doc.Statement, 2)

	require.Equal(t, []string{"oss:GetObject"}, doc.Statement[0].Action)
	require.Equal(t, []string{"acs:oss:*:*:bucket/knowledge/u1/*"}, doc.Statement[0].Resource)

	// Write prefixes are deduplicated.
	require.Equal(t, []string{"oss:PutObject"}, doc.Statement[1].Action)
	require.Len(t, doc.Statement[1].Resource, 1)

	_, err = BuildUploadPolicy("", []string{"p"}, nil)
	require.Error(t, err)
}
