// Package storage provides raw key/value stores for the durable and session
// cache tiers. Memory keeps items in process, File persists them to a
// directory. The redis and s3 subpackages back the durable tier with remote
// stores. Every store enforces its optional byte quota by returning an error
// coded errors.ErrCodeQuotaExceeded.
package storage
