package upload

// CreateTaskInput declares an upload before its first chunk arrives.
type CreateTaskInput struct {
	Filename    string
	TotalChunks int
	SizeBytes   int64
	Checksum    string
}

// ChunkReceipt tells the client where the upload stands after a chunk write.
type ChunkReceipt struct {
	UploadID       string `json:"upload_id"`
	ChunkIndex     int    `json:"chunk_index"`
	ReceivedChunks int    `json:"received_chunks"`
	TotalChunks    int    `json:"total_chunks"`
	Complete       bool   `json:"complete"`
}
