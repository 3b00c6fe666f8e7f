/*
Package s3 stores durable cache entries as S3 objects.

Each item is one object under the configured key prefix. The store keeps an
in-memory index of object sizes, seeded by a ListObjectsV2 scan when it
opens, so the byte quota is enforced without listing on every write.
Missing objects (NoSuchKey) are reported as absent rather than as errors.

	store, err := s3.New(ctx, s3.Config{
		Bucket: "reqcache",
		Prefix: "cache/",
		Region: "us-east-1",
	}, 50<<20, logger)

S3-compatible services such as MinIO are reached with Endpoint and
ForcePathStyle.
*/
package s3
