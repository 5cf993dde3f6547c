package models

// TranscriptPartial is an interim transcript event for a streaming session.
type TranscriptPartial struct {
	EventType string `json:"eventType"`
	NoteID    string `json:"noteId"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// TranscriptFinal is a final transcript event with confidence score.
type TranscriptFinal struct {
	EventType     string  `json:"eventType"`
	NoteID        string  `json:"noteId"`
	UserID        string  `json:"userId"`
	SessionID     string  `json:"sessionId"`
	Timestamp     int64   `json:"timestamp"`
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence"`
	AudioOffsetMs int64   `json:"audioOffsetMs"`
}

// StageCompleted is published when a pipeline stage finishes for a note.
type StageCompleted struct {
	EventType string `json:"eventType"`
	NoteID    string `json:"noteId"`
	UserID    string `json:"userId"`
	JobID     string `json:"jobId"`
	Stage     string `json:"stage"`
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

// NoteFailed is published when a job reaches FAILED.
type NoteFailed struct {
	EventType string `json:"eventType"`
	NoteID    string `json:"noteId"`
	UserID    string `json:"userId"`
	JobID     string `json:"jobId"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
