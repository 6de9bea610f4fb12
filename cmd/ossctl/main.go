package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"strings"

	"teachcharlie/internal/objstore"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// ossctl applies bucket maintenance rules for the knowledge upload bucket.
// Browser uploads go straight to OSS with scoped STS credentials, so
// abandoned multipart uploads accumulate unless the bucket expires them.
func main() {
	var (
		endpoint        = flag.String("endpoint", strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_ENDPOINT")), "OSS endpoint, e.g. https://oss-cn-hangzhou.aliyuncs.com")
		accessKeyID     = flag.String("access-key-id", strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_ACCESS_KEY_ID")), "OSS access key id")
		accessKeySecret = flag.String("access-key-secret", strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_ACCESS_KEY_SECRET")), "OSS access key secret")
		bucketName      = flag.String("bucket", strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_BUCKET")), "OSS bucket name")
		basePrefix      = flag.String("base-prefix", strings.Trim(strings.TrimSpace(os.Getenv("TEACHCHARLIE_OSS_BASE_PREFIX")), "/"), "Base prefix for all objects (optional)")

		abortDays = flag.Int("abort-days", 3, "Abort incomplete multipart uploads after N days")
		apply     = flag.Bool("apply", false, "Apply/merge lifecycle rules into bucket")
	)
	flag.Parse()

	if !*apply {
		log.Fatal("no action specified (use -apply)")
	}
	if *endpoint == "" || *accessKeyID == "" || *accessKeySecret == "" || *bucketName == "" {
		log.Fatal("missing required OSS config (endpoint/access-key-id/access-key-secret/bucket)")
	}
	if *abortDays < 1 || *abortDays > 365 {
		log.Fatal("invalid -abort-days")
	}

	client, err := oss.New(*endpoint, *accessKeyID, *accessKeySecret)
	if err != nil {
		log.Fatalf("oss client: %v", err)
	}

	// Fetch existing lifecycle config (may not exist).
	existing, err := client.GetBucketLifecycle(*bucketName)
	if err != nil {
		var srvErr oss.ServiceError
		if errors.As(err, &srvErr) {
			// OSS returns 404 with NoSuchLifecycle when no rules exist.
			if srvErr.StatusCode == 404 && (srvErr.Code == "NoSuchLifecycle" || srvErr.Code == "NoSuchLifecycleConfiguration") {
				log.Printf("no existing lifecycle rules (bucket=%s)", *bucketName)
				existing = oss.GetBucketLifecycleResult{}
			} else {
				log.Fatalf("get lifecycle: %v", err)
			}
		} else {
			log.Fatalf("get lifecycle: %v", err)
		}
	}

	ruleAbortID := "teachcharlie_knowledge_abort_multipart"

	newRules := make([]oss.LifecycleRule, 0, len(existing.Rules)+1)
	for _, r := range existing.Rules {
		if r.ID == ruleAbortID {
			continue
		}
		newRules = append(newRules, r)
	}

	knowledgePrefix := objstore.JoinKey(*basePrefix, "knowledge/")

	newRules = append(newRules, oss.LifecycleRule{
		ID:     ruleAbortID,
		Prefix: knowledgePrefix,
		Status: "Enabled",
		AbortMultipartUpload: &oss.LifecycleAbortMultipartUpload{
			Days: *abortDays,
		},
	})

	if err := client.SetBucketLifecycle(*bucketName, newRules); err != nil {
		log.Fatalf("set lifecycle: %v", err)
	}

	log.Printf("lifecycle rules applied (prefix=%s abort-days=%d)", knowledgePrefix, *abortDays)
}
