package config

const (
	// TopicIngestJob carries one message per ingestion job status transition.
	TopicIngestJob = "ingest.job"
)
