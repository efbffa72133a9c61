package storagecheck

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BuildAWSPolicy returns the minimal IAM policy gtxd needs on bucket, scoped
// to prefix when one is configured.
func BuildAWSPolicy(bucket, prefix string) string {
	bucketARN := fmt.Sprintf("arn:aws:s3:::%s", bucket)
	objectARN := bucketARN + "/*"
	listStatement := map[string]any{
		"Effect":   "Allow",
		"Action":   []string{"s3:ListBucket", "s3:GetBucketLocation"},
		"Resource": []string{bucketARN},
	}
	if trim := strings.Trim(prefix, "/"); trim != "" {
		objectARN = fmt.Sprintf("%s/%s/*", bucketARN, trim)
		listStatement["Condition"] = map[string]any{
			"StringLike": map[string]any{"s3:prefix": []string{trim + "/*"}},
		}
	}
	policy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			listStatement,
			map[string]any{
				"Effect":   "Allow",
				"Action":   []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject"},
				"Resource": []string{objectARN},
			},
		},
	}
	enc, _ := json.MarshalIndent(policy, "", "  ")
	return string(enc)
}
