package config

const (
	// TopicIngestTask carries queued ingestion tasks for uploads and web pages.
	TopicIngestTask = "ingest.task"

	// ChannelIngestWorker is the channel the ingestion consumer reads from.
	ChannelIngestWorker = "ingest-worker"
)
