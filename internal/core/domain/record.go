package domain

import "time"

// UploadRecord is the server-side view of one INIT'ed upload.
type UploadRecord struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Filename       string         `json:"filename"`
	ContentType    string         `json:"content_type"`
	Size           int64          `json:"size"`
	Bucket         string         `json:"bucket"`
	ObjectKey      string         `json:"object"`
	State          IngestionState `json:"state"`
	Error          string         `json:"error,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	DuplicateOf    string         `json:"duplicate_of,omitempty"`
	PageCount      int            `json:"page_count,omitempty"`
	Sheets         []string       `json:"sheets,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	FinalizedAt    *time.Time     `json:"finalized_at,omitempty"`
}

func (r *UploadRecord) Descriptor() FileDescriptor {
	return FileDescriptor{Name: r.Filename, Size: r.Size, ContentType: r.ContentType}
}

func (r *UploadRecord) InitResult() InitResult {
	return InitResult{
		ServerUploadID: r.ID,
		ObjectHandle:   r.ObjectKey,
		Bucket:         r.Bucket,
		State:          r.State,
	}
}

func (r *UploadRecord) StatusReport() StatusReport {
	report := StatusReport{
		UploadID: r.ID,
		State:    r.State,
		Error:    r.Error,
	}
	if r.DuplicateOf != "" {
		report.Dedup = &DedupInfo{Duplicate: true, ExistingID: r.DuplicateOf}
	}
	return report
}

// Inspection is what the ingestion preflight learned about a stored object.
type Inspection struct {
	ContentHash string
	PageCount   int
	Sheets      []string
}
