package domain

import "time"

// Credential is a short-lived bearer credential scoped to the storage upload path.
// The S3 fields are only set when the issuer hands out temporary storage keys.
type Credential struct {
	Token           string    `json:"token"`
	ExpiresAt       time.Time `json:"expires_at"`
	AccessKeyID     string    `json:"access_key_id,omitempty"`
	SecretAccessKey string    `json:"secret_access_key,omitempty"`
	SessionToken    string    `json:"session_token,omitempty"`
}

type InitResult struct {
	ServerUploadID string         `json:"upload_id"`
	ObjectHandle   string         `json:"object"`
	Bucket         string         `json:"bucket"`
	State          IngestionState `json:"state,omitempty"`
}

// Collapsed reports whether INIT matched an upload that already moved past the transfer.
func (r InitResult) Collapsed() bool {
	return r.State != "" && r.State != IngestionInitiated
}

type IngestionState string

const (
	IngestionInitiated  IngestionState = "initiated"
	IngestionQueued     IngestionState = "queued"
	IngestionProcessing IngestionState = "processing"
	IngestionReady      IngestionState = "ready"
	IngestionFailed     IngestionState = "failed"
)

func (s IngestionState) Terminal() bool {
	return s == IngestionReady || s == IngestionFailed
}

type StatusReport struct {
	UploadID string         `json:"upload_id"`
	State    IngestionState `json:"state"`
	Error    string         `json:"error,omitempty"`
	Dedup    *DedupInfo     `json:"dedup,omitempty"`
}

// TransferSession is the locally persisted resumption record, keyed by file signature.
// Locator is empty until the storage session has been created.
type TransferSession struct {
	Signature      string    `json:"signature"`
	IdempotencyKey string    `json:"idempotency_key"`
	Bucket         string    `json:"bucket,omitempty"`
	ObjectHandle   string    `json:"object,omitempty"`
	Locator        string    `json:"locator,omitempty"`
	Offset         int64     `json:"offset"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Chunk is one contiguous byte range of a file. Index is the position in the nominal chunk grid.
type Chunk struct {
	Index  int
	Offset int64
	Data   []byte
	Total  int64
}

func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}
