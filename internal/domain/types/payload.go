package types

import "time"

// PayloadEntry is the most recent application payload received for a subject.
type PayloadEntry struct {
	SubjectID   SubjectID `json:"subject_id"`
	Payload     []byte    `json:"payload"`
	LastUpdated time.Time `json:"last_updated"`
}
